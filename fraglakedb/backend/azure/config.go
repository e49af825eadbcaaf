package azure

type Config struct {
	ConnectionString string `yaml:"connection_string"`
	ContainerName    string `yaml:"container_name"`
}
