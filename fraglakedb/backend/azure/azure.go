// Package azure implements the blob store on Azure Blob Storage. Blobs are
// named <collection>/<id> inside a single container; PUT is atomic so no
// per-key locking is required.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/pkg/errors"

	"github.com/fraglake/fraglake/fraglakedb/backend"
)

type readerWriter struct {
	cfg    *Config
	client *azblob.Client
}

// New connects to the configured container, creating it when absent.
func New(cfg *Config) (backend.Reader, backend.Writer, error) {
	if cfg.ConnectionString == "" {
		return nil, nil, errors.New("azure connection string is not set")
	}
	if cfg.ContainerName == "" {
		return nil, nil, errors.New("azure container name is not set")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating azure client")
	}

	_, err = client.CreateContainer(context.Background(), cfg.ContainerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, nil, errors.Wrap(err, "creating storage container")
	}

	rw := &readerWriter{cfg: cfg, client: client}
	return rw, rw, nil
}

// sanitize replaces underscores so collection names satisfy the blob naming
// rules shared with container names.
func sanitize(collection string) string {
	return strings.ReplaceAll(collection, "_", "-")
}

func blobName(collection string, id string) string {
	return sanitize(collection) + "/" + id
}

func (rw *readerWriter) CreateCollection(_ context.Context, collection string) error {
	// Virtual directories spring into existence with their first blob.
	return backend.ValidateKeys(collection)
}

func (rw *readerWriter) Write(ctx context.Context, collection string, id string) (backend.BlobWriter, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return nil, err
	}
	return &blobWriter{
		ctx:    ctx,
		client: rw.client,
		cfg:    rw.cfg,
		name:   blobName(collection, id),
	}, nil
}

func (rw *readerWriter) Delete(ctx context.Context, collection string, ids []string) error {
	if err := backend.ValidateKeys(collection); err != nil {
		return err
	}
	for _, id := range ids {
		if err := backend.ValidateKeys(id); err != nil {
			return err
		}
		_, err := rw.client.DeleteBlob(ctx, rw.cfg.ContainerName, blobName(collection, id), nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return errors.Wrapf(err, "deleting blob %s", id)
		}
	}
	return nil
}

func (rw *readerWriter) DeleteCollection(ctx context.Context, collection string) error {
	if err := backend.ValidateKeys(collection); err != nil {
		return err
	}
	prefix := sanitize(collection) + "/"
	pager := rw.client.NewListBlobsFlatPager(rw.cfg.ContainerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "listing collection blobs")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			_, err := rw.client.DeleteBlob(ctx, rw.cfg.ContainerName, *item.Name, nil)
			if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
				return errors.Wrapf(err, "deleting blob %s", *item.Name)
			}
		}
	}
	return nil
}

func (rw *readerWriter) Read(ctx context.Context, collection string, id string) (io.ReadCloser, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return nil, err
	}
	resp, err := rw.client.DownloadStream(ctx, rw.cfg.ContainerName, blobName(collection, id), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, backend.ErrDoesNotExist
		}
		return nil, errors.Wrapf(err, "downloading blob %s", id)
	}
	return resp.Body, nil
}

func (rw *readerWriter) Size(ctx context.Context, collection string, id string) (int64, error) {
	if err := backend.ValidateKeys(collection, id); err != nil {
		return 0, err
	}
	blob := rw.client.ServiceClient().
		NewContainerClient(rw.cfg.ContainerName).
		NewBlobClient(blobName(collection, id))
	props, err := blob.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "reading blob properties %s", id)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// Path returns the az:// URI understood by the SQL engine's azure extension.
func (rw *readerWriter) Path(collection string, id string) string {
	return fmt.Sprintf("az://%s/%s", rw.cfg.ContainerName, blobName(collection, id))
}

func (rw *readerWriter) Shutdown() {}

// blobWriter buffers the whole blob and uploads it on Close. The upload is a
// single atomic PUT.
type blobWriter struct {
	ctx    context.Context
	client *azblob.Client
	cfg    *Config
	name   string
	buf    bytes.Buffer
	done   bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	_, err := w.client.UploadBuffer(w.ctx, w.cfg.ContainerName, w.name, w.buf.Bytes(), nil)
	return errors.Wrapf(err, "cannot upload blob, name: %s", w.name)
}

func (w *blobWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
