// Package release cross-compiles castspeak and packs one archive per target
// with a SHA256SUMS file.
package release

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const productName = "castspeak"

// ReleaseFiles are copied from the repository root into every archive.
var ReleaseFiles = []string{"README.md", "castspeak.example.ini"}

type Target struct {
	GOOS   string
	GOARCH string
}

func (t Target) String() string {
	return t.GOOS + "/" + t.GOARCH
}

type Artifact struct {
	Target         Target
	ArchiveName    string
	ArchivePath    string
	PackageDirName string
	SHA256         string
}

// BuildFunc compiles the binary for target into outPath.
type BuildFunc func(ctx context.Context, repoRoot string, target Target, outPath string) error

type Options struct {
	OutDir   string
	RepoRoot string
	Version  string
	Targets  []Target
	// Build defaults to GoBuild.
	Build BuildFunc
}

var DefaultTargets = []Target{
	{GOOS: "linux", GOARCH: "amd64"},
	{GOOS: "linux", GOARCH: "arm64"},
	{GOOS: "linux", GOARCH: "arm"},
	{GOOS: "darwin", GOARCH: "amd64"},
	{GOOS: "darwin", GOARCH: "arm64"},
	{GOOS: "windows", GOARCH: "amd64"},
}

func BuildArtifacts(ctx context.Context, opts Options) ([]Artifact, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = DefaultTargets
	}
	build := opts.Build
	if build == nil {
		build = GoBuild
	}

	repoRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, fmt.Errorf("resolve out dir: %w", err)
	}
	if err := os.RemoveAll(outDir); err != nil {
		return nil, fmt.Errorf("clean out dir: %w", err)
	}
	stageRoot := filepath.Join(outDir, ".stage")
	if err := os.MkdirAll(stageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}
	defer os.RemoveAll(stageRoot)

	artifacts := make([]Artifact, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		artifact, err := packTarget(ctx, build, repoRoot, stageRoot, outDir, opts.Version, target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", target, err)
		}
		artifacts = append(artifacts, artifact)
	}

	if err := writeChecksums(outDir, artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (o Options) validate() error {
	switch {
	case strings.TrimSpace(o.OutDir) == "":
		return errors.New("out dir is required")
	case strings.TrimSpace(o.RepoRoot) == "":
		return errors.New("repo root is required")
	case strings.TrimSpace(o.Version) == "":
		return errors.New("version is required")
	}
	return nil
}

func packTarget(ctx context.Context, build BuildFunc, repoRoot, stageRoot, outDir, version string, target Target) (Artifact, error) {
	base := fmt.Sprintf("%s_%s_%s_%s", productName, version, target.GOOS, target.GOARCH)
	pkgDir := filepath.Join(stageRoot, base)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create package dir: %w", err)
	}

	if err := build(ctx, repoRoot, target, filepath.Join(pkgDir, binaryName(target.GOOS))); err != nil {
		return Artifact{}, err
	}
	for _, name := range ReleaseFiles {
		if err := copyFile(filepath.Join(repoRoot, name), filepath.Join(pkgDir, name)); err != nil {
			return Artifact{}, fmt.Errorf("copy %s: %w", name, err)
		}
	}

	format := tarGzFormat
	if target.GOOS == "windows" {
		format = zipFormat
	}
	name := base + format.ext
	path := filepath.Join(outDir, name)
	if err := writeArchive(path, pkgDir, format); err != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", name, err)
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Target:         target,
		ArchiveName:    name,
		ArchivePath:    path,
		PackageDirName: base,
		SHA256:         sum,
	}, nil
}

func binaryName(goos string) string {
	if goos == "windows" {
		return productName + ".exe"
	}
	return productName
}

// GoBuild runs a static, stripped go build of the repository root.
func GoBuild(ctx context.Context, repoRoot string, target Target, outPath string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-ldflags", "-s -w", "-o", outPath, ".")
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS="+target.GOOS,
		"GOARCH="+target.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// archiveSink receives one staged entry at a time.
type archiveSink interface {
	add(name string, info fs.FileInfo, src io.Reader) error
	io.Closer
}

type archiveFormat struct {
	ext  string
	open func(w io.Writer) archiveSink
}

var (
	tarGzFormat = archiveFormat{ext: ".tar.gz", open: newTarGzSink}
	zipFormat   = archiveFormat{ext: ".zip", open: newZipSink}
)

// writeArchive packs dir, keeping dir's own name as the top-level entry.
func writeArchive(archivePath, dir string, format archiveFormat) (err error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	sink := format.open(file)
	parent := filepath.Dir(dir)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return sink.add(filepath.ToSlash(rel), info, nil)
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		return sink.add(filepath.ToSlash(rel), info, src)
	})
	if closeErr := sink.Close(); walkErr == nil {
		walkErr = closeErr
	}
	return walkErr
}

type tarGzSink struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func newTarGzSink(w io.Writer) archiveSink {
	gz := gzip.NewWriter(w)
	return &tarGzSink{gz: gz, tw: tar.NewWriter(gz)}
}

func (s *tarGzSink) add(name string, info fs.FileInfo, src io.Reader) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := s.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if src == nil {
		return nil
	}
	_, err = io.Copy(s.tw, src)
	return err
}

func (s *tarGzSink) Close() error {
	return errors.Join(s.tw.Close(), s.gz.Close())
}

type zipSink struct {
	zw *zip.Writer
}

func newZipSink(w io.Writer) archiveSink {
	return &zipSink{zw: zip.NewWriter(w)}
}

func (s *zipSink) add(name string, info fs.FileInfo, src io.Reader) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	} else {
		header.Method = zip.Deflate
	}
	writer, err := s.zw.CreateHeader(header)
	if err != nil || src == nil {
		return err
	}
	_, err = io.Copy(writer, src)
	return err
}

func (s *zipSink) Close() error {
	return s.zw.Close()
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", filepath.Base(path), err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func writeChecksums(outDir string, artifacts []Artifact) error {
	sorted := append([]Artifact{}, artifacts...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ArchiveName < sorted[j].ArchiveName
	})

	var b strings.Builder
	for _, artifact := range sorted {
		fmt.Fprintf(&b, "%s  %s\n", artifact.SHA256, artifact.ArchiveName)
	}
	if err := os.WriteFile(filepath.Join(outDir, "SHA256SUMS"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write SHA256SUMS: %w", err)
	}
	return nil
}
