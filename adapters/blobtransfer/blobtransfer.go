// Package blobtransfer is the spec §4.11/§6 blob transfer logistics façade:
// large application-level payloads (snapshot archives, media attachments)
// that a context's members exchange out-of-band from the CRDT delta stream
// itself, content-addressed so a blob's id is reproducible from its bytes
// alone. This is explicitly out of the sync protocol's core scope (spec §1
// Non-goals: "bulk binary transfer") but still a real component deployments
// need, so it lives here as an adapter rather than inside dag/crdt/sync.
//
// Grounded on the teacher's internal/cas (minio-go/v7, content addressing,
// chunking, Merkle verification), adapted in two real ways rather than
// carried forward verbatim: object metadata is serialized with
// encoding/json instead of the teacher's fmt.Sprintf placeholder (its
// GetInfo could never actually parse what storeObjectInfo wrote), and List
// walks the metadata prefix via the client's own ListObjects instead of
// returning "not implemented".
package blobtransfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// BlobInfo is the metadata stored alongside a blob's chunks: its content
// id, total size, chunk list, Merkle root over the chunks, and the
// application-supplied tags a caller attached at Store time.
type BlobInfo struct {
	CID        string            `json:"cid"`
	Size       int64             `json:"size"`
	Chunks     []string          `json:"chunks"`
	MerkleRoot string            `json:"merkle_root"`
	Uploaded   time.Time         `json:"uploaded"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Store is the spec §4.11 blob transfer surface: content-addressed put,
// get, existence check, and prefix listing over whatever object store
// backs it.
type Store interface {
	Put(ctx context.Context, contextID ids.ID, r io.Reader, tags map[string]string) (BlobInfo, error)
	Get(ctx context.Context, contextID ids.ID, cid string) (io.ReadCloser, error)
	Exists(ctx context.Context, contextID ids.ID, cid string) (bool, error)
	List(ctx context.Context, contextID ids.ID, prefix string) ([]BlobInfo, error)
	Delete(ctx context.Context, contextID ids.ID, cid string) error
}

// MinioStore is the default Store, backed by any S3-compatible endpoint
// (minio, AWS S3, Ceph RGW). One bucket holds every context's blobs,
// namespaced by context id in the object key so a single deployment can
// serve many contexts without cross-context key collisions.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	chunkSize int64
}

// Config configures a MinioStore.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	ChunkSize int64 // default 64MiB
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64 * 1024 * 1024
	}
	return c
}

// NewMinioStore connects to cfg.Endpoint and ensures cfg.Bucket exists.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	cfg = cfg.withDefaults()
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blobtransfer: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blobtransfer: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobtransfer: create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, chunkSize: cfg.ChunkSize}, nil
}

var _ Store = (*MinioStore)(nil)

// Put reads r fully, chunks it, uploads each chunk, and writes a BlobInfo
// record keyed by the content hash of the whole payload.
func (s *MinioStore) Put(ctx context.Context, contextID ids.ID, r io.Reader, tags map[string]string) (BlobInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("blobtransfer: read payload: %w", err)
	}

	cid := contentID(data)
	if exists, err := s.Exists(ctx, contextID, cid); err != nil {
		return BlobInfo{}, err
	} else if exists {
		return s.getInfo(ctx, contextID, cid)
	}

	chunks := chunk(data, s.chunkSize)
	chunkCIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkCIDs[i] = contentID(c)
		key := s.chunkKey(contextID, chunkCIDs[i])
		if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(c), int64(len(c)), minio.PutObjectOptions{}); err != nil {
			return BlobInfo{}, fmt.Errorf("blobtransfer: upload chunk %d: %w", i, err)
		}
	}

	info := BlobInfo{
		CID:        cid,
		Size:       int64(len(data)),
		Chunks:     chunkCIDs,
		MerkleRoot: merkleRoot(chunkCIDs),
		Uploaded:   time.Now(),
		Tags:       tags,
	}
	if err := s.putInfo(ctx, contextID, info); err != nil {
		return BlobInfo{}, fmt.Errorf("blobtransfer: write metadata: %w", err)
	}
	return info, nil
}

// Get downloads and reassembles cid's chunks, verifying the Merkle root
// before returning.
func (s *MinioStore) Get(ctx context.Context, contextID ids.ID, cid string) (io.ReadCloser, error) {
	info, err := s.getInfo(ctx, contextID, cid)
	if err != nil {
		return nil, err
	}

	chunks := make([][]byte, len(info.Chunks))
	for i, chunkCID := range info.Chunks {
		obj, err := s.client.GetObject(ctx, s.bucket, s.chunkKey(contextID, chunkCID), minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("blobtransfer: download chunk %d: %w", i, err)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, fmt.Errorf("blobtransfer: read chunk %d: %w", i, err)
		}
		chunks[i] = data
	}

	chunkCIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkCIDs[i] = contentID(c)
	}
	if merkleRoot(chunkCIDs) != info.MerkleRoot {
		return nil, fmt.Errorf("blobtransfer: merkle root mismatch for %s", cid)
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	return io.NopCloser(&buf), nil
}

// Exists reports whether cid's metadata object is present.
func (s *MinioStore) Exists(ctx context.Context, contextID ids.ID, cid string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.infoKey(contextID, cid), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every BlobInfo under contextID whose cid has the given
// prefix, walking the metadata namespace with the client's own object
// listing rather than maintaining a separate index.
func (s *MinioStore) List(ctx context.Context, contextID ids.ID, prefix string) ([]BlobInfo, error) {
	var out []BlobInfo
	infoPrefix := path.Join("contexts", contextID.Hex(), "info")
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: infoPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("blobtransfer: list objects: %w", obj.Err)
		}
		cid := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if prefix != "" && !strings.HasPrefix(cid, prefix) {
			continue
		}
		info, err := s.getInfo(ctx, contextID, cid)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Delete removes cid's chunks and metadata.
func (s *MinioStore) Delete(ctx context.Context, contextID ids.ID, cid string) error {
	info, err := s.getInfo(ctx, contextID, cid)
	if err != nil {
		return err
	}
	for _, chunkCID := range info.Chunks {
		if err := s.client.RemoveObject(ctx, s.bucket, s.chunkKey(contextID, chunkCID), minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("blobtransfer: delete chunk %s: %w", chunkCID, err)
		}
	}
	return s.client.RemoveObject(ctx, s.bucket, s.infoKey(contextID, cid), minio.RemoveObjectOptions{})
}

func (s *MinioStore) getInfo(ctx context.Context, contextID ids.ID, cid string) (BlobInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.infoKey(contextID, cid), minio.GetObjectOptions{})
	if err != nil {
		return BlobInfo{}, fmt.Errorf("blobtransfer: fetch metadata for %s: %w", cid, err)
	}
	defer obj.Close()

	var info BlobInfo
	if err := json.NewDecoder(obj).Decode(&info); err != nil {
		return BlobInfo{}, fmt.Errorf("blobtransfer: decode metadata for %s: %w", cid, err)
	}
	return info, nil
}

func (s *MinioStore) putInfo(ctx context.Context, contextID ids.ID, info BlobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.infoKey(contextID, info.CID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (s *MinioStore) chunkKey(contextID ids.ID, chunkCID string) string {
	return path.Join("contexts", contextID.Hex(), "chunks", chunkCID[:2], chunkCID)
}

func (s *MinioStore) infoKey(contextID ids.ID, cid string) string {
	return path.Join("contexts", contextID.Hex(), "info", cid[:2], cid+".json")
}

func contentID(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func chunk(data []byte, size int64) [][]byte {
	var chunks [][]byte
	for offset := int64(0); offset < int64(len(data)); offset += size {
		end := offset + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, data[offset:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

func merkleRoot(chunkCIDs []string) string {
	if len(chunkCIDs) == 0 {
		return ""
	}
	level := append([]string(nil), chunkCIDs...)
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				h := sha256.Sum256([]byte(level[i] + level[i+1]))
				next = append(next, hex.EncodeToString(h[:]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
