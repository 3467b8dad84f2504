// Package archive exports the whole inventory to a blob store and restores it,
// guarding every snapshot with a sha256 digest over its RFC 8785 canonical form.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/sync/errgroup"

	"rackcore/internal/blob"
	"rackcore/internal/core"
	"rackcore/internal/infra/persistence/memory"
)

const (
	defaultPrefix      = "snapshots/"
	defaultConcurrency = 4
	contentType        = "application/json"

	metaDigest     = "sha256"
	metaEntities   = "entities"
	metaAttributes = "attributes"
)

// ErrDigestMismatch is returned when a snapshot body no longer matches its recorded digest.
var ErrDigestMismatch = errors.New("archive: snapshot digest mismatch")

// StateStore is a store whose full state can be exported and replaced.
// The memory, sqlite, and postgres stores all qualify.
type StateStore interface {
	ExportState() memory.Snapshot
	ImportState(memory.Snapshot)
}

// Manifest describes one archived snapshot.
type Manifest struct {
	Key        string    `json:"key" yaml:"key"`
	Digest     string    `json:"sha256" yaml:"sha256"`
	Entities   int       `json:"entities" yaml:"entities"`
	Attributes int       `json:"attributes" yaml:"attributes"`
	Size       int64     `json:"size_bytes" yaml:"size_bytes"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Archive moves inventory snapshots between a state store and a blob store.
type Archive struct {
	state       StateStore
	blobs       blob.Store
	prefix      string
	concurrency int
	clock       core.Clock
	logger      core.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithPrefix stores snapshots under prefix instead of "snapshots/".
func WithPrefix(prefix string) Option {
	return func(a *Archive) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithConcurrency bounds the parallel blob reads of VerifyAll.
func WithConcurrency(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithClock sets the time source used to name snapshots.
func WithClock(clock core.Clock) Option {
	return func(a *Archive) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger sets the archive logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Archive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds an archive over state and blobs.
func New(state StateStore, blobs blob.Store, opts ...Option) *Archive {
	a := &Archive{
		state:       state,
		blobs:       blobs,
		prefix:      defaultPrefix,
		concurrency: defaultConcurrency,
		clock:       core.ClockFunc(nil),
		logger:      discardLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Digest returns the hex sha256 of the canonical form of a JSON document.
func Digest(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns the blob key a snapshot called name is stored under.
func (a *Archive) Key(name string) string {
	return a.prefix + strings.TrimSuffix(name, ".json") + ".json"
}

// Export writes the current state as a new snapshot. An empty name uses the
// current UTC time. Existing snapshots are never overwritten.
func (a *Archive) Export(ctx context.Context, name string) (Manifest, error) {
	if name == "" {
		name = a.clock.Now().Format("20060102T150405.000000000Z")
	}
	snapshot := a.state.ExportState()
	body, err := json.Marshal(snapshot)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode snapshot: %w", err)
	}
	digest, err := Digest(body)
	if err != nil {
		return Manifest{}, err
	}
	key := a.Key(name)
	info, err := a.blobs.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			metaDigest:     digest,
			metaEntities:   strconv.Itoa(len(snapshot.Entities)),
			metaAttributes: strconv.Itoa(len(snapshot.Attributes)),
		},
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("put %s: %w", key, err)
	}
	m := manifestFrom(info)
	a.logger.Info("snapshot exported", "key", key, "sha256", digest, "entities", m.Entities)
	return m, nil
}

// Restore verifies the snapshot stored under key and replaces the current
// state with it. Durable stores are flushed afterwards.
func (a *Archive) Restore(ctx context.Context, key string) (Manifest, error) {
	m, body, err := a.fetch(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	var snapshot memory.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return Manifest{}, fmt.Errorf("decode %s: %w", key, err)
	}
	a.state.ImportState(snapshot)
	if f, ok := a.state.(core.Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return m, fmt.Errorf("flush restored state: %w", err)
		}
	}
	a.logger.Info("snapshot restored", "key", key, "sha256", m.Digest, "entities", len(snapshot.Entities))
	return m, nil
}

// Verify checks the snapshot under key against its recorded digest.
func (a *Archive) Verify(ctx context.Context, key string) (Manifest, error) {
	m, _, err := a.fetch(ctx, key)
	return m, err
}

// List returns the manifests of every stored snapshot ordered by key.
func (a *Archive) List(ctx context.Context) ([]Manifest, error) {
	infos, err := a.blobs.List(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Manifest, 0, len(infos))
	for _, info := range infos {
		if len(info.Metadata) == 0 {
			head, err := a.blobs.Head(ctx, info.Key)
			if err != nil {
				return nil, fmt.Errorf("head %s: %w", info.Key, err)
			}
			info = head
		}
		out = append(out, manifestFrom(info))
	}
	return out, nil
}

// VerifyAll verifies every stored snapshot concurrently and returns their
// manifests in key order. The first failure cancels the remaining reads.
func (a *Archive) VerifyAll(ctx context.Context) ([]Manifest, error) {
	infos, err := a.blobs.List(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Manifest, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, info := range infos {
		g.Go(func() error {
			m, err := a.Verify(gctx, info.Key)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Archive) fetch(ctx context.Context, key string) (Manifest, []byte, error) {
	info, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("read %s: %w", key, err)
	}
	want := info.Metadata[metaDigest]
	if want == "" {
		return Manifest{}, nil, fmt.Errorf("%s: %w: no digest recorded", key, ErrDigestMismatch)
	}
	got, err := Digest(body)
	if err != nil {
		return Manifest{}, nil, err
	}
	if got != want {
		a.logger.Warn("snapshot digest mismatch", "key", key, "want", want, "got", got)
		return Manifest{}, nil, fmt.Errorf("%s: %w", key, ErrDigestMismatch)
	}
	m := manifestFrom(info)
	m.Size = int64(len(body))
	return m, body, nil
}

func manifestFrom(info blob.Info) Manifest {
	entities, _ := strconv.Atoi(info.Metadata[metaEntities])
	attributes, _ := strconv.Atoi(info.Metadata[metaAttributes])
	return Manifest{
		Key:        info.Key,
		Digest:     info.Metadata[metaDigest],
		Entities:   entities,
		Attributes: attributes,
		Size:       info.Size,
		CreatedAt:  info.LastModified,
	}
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
