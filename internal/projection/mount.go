package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/relaytrail/internal/archive"
)

type MountOptions struct {
	Mountpoint string
	Source     *Source
	UserID     string
	AllowOther bool
	Logger     *slog.Logger
}

// Mount exports one user's archive read-only at the mountpoint:
//
//	manifest.json
//	chunks/0000.json, chunks/0001.json, ...
//
// File contents are rendered on open, so readers always see the stored
// state. The caller must Unmount the returned server.
func Mount(opts MountOptions) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if opts.Source == nil || strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("mount requires a source and a user")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mountpoint %s: %w", opts.Mountpoint, err)
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	root := &rootNode{opts: &opts}
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "relaytrail",
			Name:       "relaytrail",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount archive at %s: %w", opts.Mountpoint, err)
	}
	opts.Logger.Info("archive mounted", "mountpoint", opts.Mountpoint, "user", opts.UserID)
	return server, nil
}

type rootNode struct {
	gofuse.Inode
	opts *MountOptions
}

var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	manifest := r.NewPersistentInode(ctx, &jsonFile{render: r.renderManifest}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	r.AddChild("manifest.json", manifest, true)
	chunks := r.NewPersistentInode(ctx, &chunksDir{opts: r.opts}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	r.AddChild("chunks", chunks, true)
}

func (r *rootNode) renderManifest(ctx context.Context) ([]byte, error) {
	manifest, err := r.opts.Source.Manifest(ctx, r.opts.UserID)
	if err != nil {
		return nil, err
	}
	return marshalIndented(manifest)
}

type chunksDir struct {
	gofuse.Inode
	opts *MountOptions
}

var _ gofuse.NodeLookuper = (*chunksDir)(nil)
var _ gofuse.NodeReaddirer = (*chunksDir)(nil)

func (d *chunksDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	index, ok := parseChunkFileName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	manifest, err := d.opts.Source.Manifest(ctx, d.opts.UserID)
	if err != nil {
		d.opts.Logger.Error("load manifest for lookup", "user", d.opts.UserID, "err", err)
		return nil, syscall.EIO
	}
	if index >= manifest.ChunkCount {
		return nil, syscall.ENOENT
	}
	node := &jsonFile{render: func(ctx context.Context) ([]byte, error) {
		items, err := d.opts.Source.Chunk(ctx, d.opts.UserID, index)
		if err != nil {
			return nil, err
		}
		return marshalIndented(items)
	}}
	out.Mode = syscall.S_IFREG | 0o444
	return d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *chunksDir) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	manifest, err := d.opts.Source.Manifest(ctx, d.opts.UserID)
	if err != nil {
		d.opts.Logger.Error("load manifest for readdir", "user", d.opts.UserID, "err", err)
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, manifest.ChunkCount)
	for i := 0; i < manifest.ChunkCount; i++ {
		entries = append(entries, fuse.DirEntry{Name: chunkFileName(i), Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

// jsonFile is a read-only file whose content is rendered on each open.
type jsonFile struct {
	gofuse.Inode
	render func(ctx context.Context) ([]byte, error)
}

var _ gofuse.NodeGetattrer = (*jsonFile)(nil)
var _ gofuse.NodeOpener = (*jsonFile)(nil)
var _ gofuse.NodeReader = (*jsonFile)(nil)

type renderedHandle struct {
	data []byte
}

func (f *jsonFile) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	if h, ok := fh.(*renderedHandle); ok {
		out.Size = uint64(len(h.data))
		return 0
	}
	data, err := f.render(ctx)
	if err != nil {
		return errnoFor(err)
	}
	out.Size = uint64(len(data))
	return 0
}

func (f *jsonFile) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := f.render(ctx)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	return &renderedHandle{data: data}, fuse.FOPEN_DIRECT_IO, 0
}

func (f *jsonFile) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*renderedHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return fuse.ReadResultData(sliceAt(h.data, off, len(dest))), 0
}

func sliceAt(data []byte, off int64, n int) []byte {
	if off < 0 || off >= int64(len(data)) {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}

func errnoFor(err error) syscall.Errno {
	if errors.Is(err, archive.ErrChunkNotFound) {
		return syscall.ENOENT
	}
	return syscall.EIO
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%04d.json", index)
}

func parseChunkFileName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok || base == "" {
		return 0, false
	}
	index, err := strconv.Atoi(base)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

func marshalIndented(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
