package workload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stepwise/internal/incremental"
	logx "stepwise/pkg/logx"
)

func init() { register("digest", digestKind{}) }

const defaultChunkSize = 64 << 10

// DigestParams configures the digest workload, which hashes every regular
// file under Root and folds the per-file sums into one tree digest.
type DigestParams struct {
	Root string `json:"root"`
	// Pattern filters files by base name (filepath.Match syntax).
	Pattern    string `json:"pattern,omitempty"`
	SkipHidden bool   `json:"skip_hidden,omitempty"`
	MaxFiles   int    `json:"max_files,omitempty"`
	// ChunkSize is the number of bytes hashed per step. Default 64KiB.
	ChunkSize int `json:"chunk_size,omitempty"`
}

// DigestResult is the outcome of a digest run. Sum is the sha256 of the
// sha256sum-style listing ("<hex>  <path>\n" per file, sorted by path).
type DigestResult struct {
	Root    string `json:"root"`
	Files   int    `json:"files"`
	Bytes   int64  `json:"bytes"`
	Skipped int    `json:"skipped"`
	Sum     string `json:"sum,omitempty"`
}

type digestKind struct{}

func (digestKind) params(raw json.RawMessage) (DigestParams, error) {
	var p DigestParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	p.Root = strings.TrimSpace(p.Root)
	if p.Root == "" {
		return p, errors.New("params: root required")
	}
	if p.Pattern != "" {
		if _, err := filepath.Match(p.Pattern, "x"); err != nil {
			return p, fmt.Errorf("params: pattern: %w", err)
		}
	}
	if p.MaxFiles < 0 {
		return p, errors.New("params: max_files must be >= 0")
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = defaultChunkSize
	}
	return p, nil
}

func (k digestKind) validate(raw json.RawMessage) error {
	_, err := k.params(raw)
	return err
}

func (k digestKind) build(def Definition, env Env) (built, error) {
	p, err := k.params(def.Params)
	if err != nil {
		return built{}, err
	}
	d := &digest{p: p, res: DigestResult{Root: p.Root}}
	hashing := &hashTask{d: d, buf: make([]byte, p.ChunkSize)}

	job, err := incremental.NewJobWithTasks([]incremental.Task{
		incremental.FromSeq(walkFiles(p), d.collect),
		hashing,
		incremental.Once(func() error {
			d.summarize()
			env.Log.Info("digest computed",
				logx.String("workload", def.Name),
				logx.String("root", d.res.Root),
				logx.Int("files", d.res.Files),
				logx.Int64("bytes", d.res.Bytes),
				logx.Int("skipped", d.res.Skipped),
				logx.String("sum", d.res.Sum),
			)
			return nil
		}),
	}, env.loopOptions(def)...)
	if err != nil {
		return built{}, err
	}
	return built{loop: job.Loop, cmd: job, result: func() any { return d.res }}, nil
}

type fileSum struct {
	rel string
	sum []byte
}

type digest struct {
	p     DigestParams
	files []string
	sums  []fileSum
	res   DigestResult
}

type walkEntry struct {
	path string
	err  error
}

// walkFiles yields the regular files under p.Root in lexical order.
func walkFiles(p DigestParams) iter.Seq[walkEntry] {
	return func(yield func(walkEntry) bool) {
		n := 0
		_ = filepath.WalkDir(p.Root, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				if !yield(walkEntry{path: path, err: err}) {
					return fs.SkipAll
				}
				return nil
			}
			if p.SkipHidden && path != p.Root && strings.HasPrefix(de.Name(), ".") {
				if de.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !de.Type().IsRegular() {
				return nil
			}
			if p.Pattern != "" {
				if ok, _ := filepath.Match(p.Pattern, de.Name()); !ok {
					return nil
				}
			}
			if !yield(walkEntry{path: path}) {
				return fs.SkipAll
			}
			n++
			if p.MaxFiles > 0 && n >= p.MaxFiles {
				return fs.SkipAll
			}
			return nil
		})
	}
}

func (d *digest) collect(e walkEntry) error {
	if e.err != nil {
		// Unreadable subtrees are skipped; an unreadable root fails the run.
		if errors.Is(e.err, fs.ErrPermission) && e.path != d.p.Root {
			d.res.Skipped++
			return nil
		}
		return e.err
	}
	d.files = append(d.files, e.path)
	return nil
}

func (d *digest) summarize() {
	sort.Slice(d.sums, func(i, j int) bool { return d.sums[i].rel < d.sums[j].rel })
	h := sha256.New()
	for _, s := range d.sums {
		fmt.Fprintf(h, "%s  %s\n", hex.EncodeToString(s.sum), s.rel)
	}
	d.res.Files = len(d.sums)
	d.res.Sum = hex.EncodeToString(h.Sum(nil))
}

// hashTask hashes the collected files one chunk per step.
type hashTask struct {
	d   *digest
	i   int
	f   *os.File
	h   hash.Hash
	buf []byte
}

func (t *hashTask) HasNext() bool { return t.i < len(t.d.files) }

func (t *hashTask) Next() error {
	path := t.d.files[t.i]
	if t.f == nil {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				// Vanished or unreadable since the walk.
				t.d.res.Skipped++
				t.i++
				return nil
			}
			return err
		}
		t.f, t.h = f, sha256.New()
	}

	n, err := t.f.Read(t.buf)
	if n > 0 {
		t.h.Write(t.buf[:n])
		t.d.res.Bytes += int64(n)
	}
	switch {
	case errors.Is(err, io.EOF):
		rel, rerr := filepath.Rel(t.d.p.Root, path)
		if rerr != nil {
			rel = path
		}
		t.d.sums = append(t.d.sums, fileSum{rel: filepath.ToSlash(rel), sum: t.h.Sum(nil)})
		t.closeFile()
		t.i++
		return nil
	case err != nil:
		t.closeFile()
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func (t *hashTask) closeFile() {
	if t.f != nil {
		_ = t.f.Close()
		t.f, t.h = nil, nil
	}
}

// Close releases a file left open by a stopped or failed run.
func (t *hashTask) Close() error {
	t.closeFile()
	return nil
}
