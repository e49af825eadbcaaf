package catalog

// Collection is a named namespace of time-stamped payloads.
type Collection struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:256;uniqueIndex"`
}

func (Collection) TableName() string { return "collection" }

// Fragment is a committed, immutable columnar blob. The UUID doubles as the
// blob store key.
type Fragment struct {
	UUID         string `gorm:"primaryKey"`
	ContentType  *int
	CollectionID uint `gorm:"index"`
}

func (Fragment) TableName() string { return "fragment" }

// BufferedFragment is a single uncompacted payload awaiting merge. Identity
// is (collection, timestamp); the UUID is the blob store key and carries its
// own unique index.
type BufferedFragment struct {
	Timestamp    int64 `gorm:"primaryKey;autoIncrement:false"`
	CollectionID uint  `gorm:"primaryKey;autoIncrement:false"`
	ContentType  int
	Size         int64
	OriginalSize int64
	UUID         string `gorm:"uniqueIndex"`
	Locked       bool   `gorm:"default:false"`
	Hash         string
}

func (BufferedFragment) TableName() string { return "buffered_fragment" }

// Item is one logical row inside a committed fragment; range queries scan
// items, never fragment blobs.
type Item struct {
	FragmentID   string `gorm:"primaryKey"`
	CollectionID uint   `gorm:"primaryKey;autoIncrement:false"`
	Timestamp    int64  `gorm:"primaryKey;autoIncrement:false"`
	Size         int64
	OriginalSize int64
	ContentType  int
	Hash         string
}

func (Item) TableName() string { return "item" }

func allModels() []interface{} {
	return []interface{}{&Collection{}, &Fragment{}, &BufferedFragment{}, &Item{}}
}
