package managers

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/canonical/buildd-worker/internal/backend"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/statemachine"
	"github.com/klauspost/pgzip"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// dockerDiffIDPath is where docker's vfs graph driver records, per
// diff-id, the upstream registry digests of layers that were pulled
// rather than built. Correct for a buildd image with apt-installed
// docker.
const dockerDiffIDPath = "/var/lib/docker/image/vfs/distribution/v2metadata-by-diffid/sha256"

// OCI builds an OCI (or Docker) image inside the container, then
// repackages the `docker save` output so every layer travels as its own
// <layer_id>.tar.gz and upstream digests are preserved for layers that
// were pulled from a registry.
type OCI struct {
	Backend backend.Backend
	Cache   *filecache.Cache

	tag      string
	state    statemachine.State
	command  string
	fileFlag string
	proxy    buildProxy
}

func NewOCI(be backend.Backend, cache *filecache.Cache, logger *log.Logger) *OCI {
	return &OCI{
		Backend: be, Cache: cache,
		tag: "oci", state: "BUILD_OCI", command: "build-oci", fileFlag: "--build-file",
		proxy: buildProxy{Logger: logger},
	}
}

// NewDocker is the Docker-image variant: same lifecycle and gather, a
// different in-target helper and build-file spelling.
func NewDocker(be backend.Backend, cache *filecache.Cache, logger *log.Logger) *OCI {
	return &OCI{
		Backend: be, Cache: cache,
		tag: "docker", state: "BUILD_DOCKER", command: "build-docker", fileFlag: "--file",
		proxy: buildProxy{Logger: logger},
	}
}

func (m *OCI) Tag() string                      { return m.tag }
func (m *OCI) InitialState() statemachine.State { return m.state }
func (m *OCI) SanitizesLog() bool               { return true }

func (m *OCI) Command(b *statemachine.Build, state statemachine.State) ([]string, error) {
	if state != m.state {
		return nil, xerrors.Errorf("managers: %s: unexpected state %s", m.tag, state)
	}
	name := b.ExtraArg("name")
	if name == "" {
		return nil, xerrors.New("managers: " + m.tag + ": no name")
	}

	extra, err := m.proxy.start(b)
	if err != nil {
		return nil, err
	}
	if branch := b.ExtraArg("branch"); branch != "" {
		extra = append(extra, "--branch", branch)
	}
	if repo := b.ExtraArg("git_repository"); repo != "" {
		extra = append(extra, "--git-repository", repo)
	}
	if gitPath := b.ExtraArg("git_path"); gitPath != "" {
		extra = append(extra, "--git-path", gitPath)
	}
	if file := b.ExtraArg("build_file"); file != "" {
		extra = append(extra, m.fileFlag, file)
	}
	buildArgs := b.ExtraArgMap("build_args")
	for _, k := range sortedKeys(buildArgs) {
		extra = append(extra, "--build-arg="+k+"="+buildArgs[k])
	}
	if buildPath := b.ExtraArg("build_path"); buildPath != "" {
		extra = append(extra, "--build-path", buildPath)
	}
	extra = append(extra, name)
	return targetArgs(m.Backend, b, m.command, extra...), nil
}

func (m *OCI) Iterate(ctx context.Context, b *statemachine.Build, state statemachine.State, exitCode int) (statemachine.State, error) {
	if state != m.state {
		return statemachine.StateUmount, xerrors.Errorf("managers: %s: unexpected state %s", m.tag, state)
	}
	m.proxy.finish(b)
	payloadOutcome(b, exitCode)
	return statemachine.StateUmount, nil
}

// manifestSection is one image entry in docker save's manifest.json.
type manifestSection struct {
	Config string   `json:"Config"`
	Layers []string `json:"Layers"`
}

// imageConfig is the subset of a docker image config we need: the
// uncompressed layer digests, in layer order.
type imageConfig struct {
	RootFS struct {
		DiffIDs []string `json:"diff_ids"`
	} `json:"rootfs"`
}

// diffIDMetadata is one entry of docker's v2metadata-by-diffid records.
type diffIDMetadata struct {
	Digest           string `json:"Digest"`
	SourceRepository string `json:"SourceRepository"`
}

// layerDigest is digests.json's per-diff-id value.
type layerDigest struct {
	Digest  string `json:"digest"`
	Source  string `json:"source"`
	LayerID string `json:"layer_id"`
}

// GatherResults streams `docker save` through a tar reader, repacking
// each layer directory into its own <layer_id>.tar.gz while buffering
// the small top-level files (manifest.json, per-image configs) in
// memory, then emits a digests.json mapping diff-ids to digests.
func (m *OCI) GatherResults(ctx context.Context, b *statemachine.Build) error {
	name := b.ExtraArg("name")
	res, err := m.Backend.Run(ctx, []string{"docker", "save", name}, backend.RunOptions{GetOutput: true})
	if err != nil {
		return xerrors.Errorf("managers: %s: docker save: %w", m.tag, err)
	}
	if res.ExitCode != 0 {
		return xerrors.Errorf("managers: %s: docker save exited %d", m.tag, res.ExitCode)
	}

	scratch, err := os.MkdirTemp("", "buildd-"+m.tag+"-")
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}
	defer os.RemoveAll(scratch)

	topFiles, err := repackImageTar(bytes.NewReader(res.Stdout), scratch)
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}

	diffs, err := m.pulledLayerDigests()
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}

	manifestWS, ok := topFiles["manifest.json"]
	if !ok {
		return xerrors.New("managers: " + m.tag + ": image tarball has no manifest.json")
	}
	var manifest []manifestSection
	if err := json.NewDecoder(manifestWS.BytesReader()).Decode(&manifest); err != nil {
		return xerrors.Errorf("managers: %s: parsing manifest: %w", m.tag, err)
	}
	if err := m.storeBuffered(b, "manifest.json", manifestWS); err != nil {
		return err
	}

	var digestMaps []map[string]layerDigest
	for _, section := range manifest {
		digestMap, err := m.gatherSection(b, section, topFiles, scratch, diffs)
		if err != nil {
			return xerrors.Errorf("managers: %s: %w", m.tag, err)
		}
		digestMaps = append(digestMaps, digestMap)
	}

	data, err := json.Marshal(digestMaps)
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}
	sum, err := m.Cache.StoreReader(bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("managers: %s: %w", m.tag, err)
	}
	b.WaitingFiles["digests.json"] = sum
	return nil
}

// gatherSection uploads one image's config and layer tarballs and builds
// its diff-id → digest map: pulled layers keep their upstream registry
// digest so they can be reused, locally-built layers get a freshly
// computed SHA-256.
func (m *OCI) gatherSection(b *statemachine.Build, section manifestSection, topFiles map[string]*writerseeker.WriterSeeker, scratch string, diffs map[string][]diffIDMetadata) (map[string]layerDigest, error) {
	configWS, ok := topFiles[section.Config]
	if !ok {
		return nil, xerrors.Errorf("image tarball has no config %s", section.Config)
	}
	var config imageConfig
	if err := json.NewDecoder(configWS.BytesReader()).Decode(&config); err != nil {
		return nil, xerrors.Errorf("parsing config %s: %w", section.Config, err)
	}
	if err := m.storeBuffered(b, section.Config, configWS); err != nil {
		return nil, err
	}

	digestMap := map[string]layerDigest{}
	for i, diffID := range config.RootFS.DiffIDs {
		if i >= len(section.Layers) {
			break
		}
		layerID := strings.SplitN(section.Layers[i], "/", 2)[0]
		layerName := layerID + ".tar.gz"
		layerPath := filepath.Join(scratch, layerName)
		if err := addWaitingFile(m.Cache, b, layerPath, layerName); err != nil {
			return nil, err
		}

		var digest, source string
		if meta := diffs[strings.TrimPrefix(diffID, "sha256:")]; len(meta) > 0 {
			// Pulled from a registry: the first (most parent) record
			// carries the digest to preserve for layer reuse.
			digest = meta[0].Digest
			source = meta[0].SourceRepository
		} else {
			sum, err := sha256File(layerPath)
			if err != nil {
				return nil, err
			}
			digest = sum
		}
		digestMap[diffID] = layerDigest{Digest: digest, Source: source, LayerID: layerID}
	}
	return digestMap, nil
}

func (m *OCI) storeBuffered(b *statemachine.Build, name string, ws *writerseeker.WriterSeeker) error {
	sum, err := m.Cache.StoreReader(ws.BytesReader())
	if err != nil {
		return xerrors.Errorf("managers: %s: storing %s: %w", m.tag, name, err)
	}
	b.WaitingFiles[filepath.Base(name)] = sum
	return nil
}

// pulledLayerDigests reads docker's v2metadata-by-diffid records out of
// the backend. A backend without the directory (no layers were pulled)
// yields an empty map.
func (m *OCI) pulledLayerDigests() (map[string][]diffIDMetadata, error) {
	diffs := map[string][]diffIDMetadata{}
	exists, err := m.Backend.PathExists(dockerDiffIDPath)
	if err != nil || !exists {
		return diffs, err
	}
	names, err := m.Backend.ListDir(dockerDiffIDPath)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		f, err := m.Backend.Open(dockerDiffIDPath+"/"+name, os.O_RDONLY)
		if err != nil {
			return nil, err
		}
		var meta []diffIDMetadata
		err = json.NewDecoder(f).Decode(&meta)
		f.Close()
		if err != nil {
			return nil, xerrors.Errorf("parsing diff-id record %s: %w", name, err)
		}
		diffs[name] = meta
	}
	return diffs, nil
}

// repackImageTar walks a docker-save tarball in stream order: each
// layer directory becomes <dir>.tar.gz under scratch containing just its
// layer.tar, other per-layer files are dropped, and top-level files are
// buffered in memory for the caller to inspect and upload.
func repackImageTar(r io.Reader, scratch string) (map[string]*writerseeker.WriterSeeker, error) {
	topFiles := map[string]*writerseeker.WriterSeeker{}
	tr := tar.NewReader(r)

	currentDir := ""
	var layer *layerRepacker
	closeLayer := func() error {
		if layer == nil {
			return nil
		}
		err := layer.Close()
		layer = nil
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeLayer()
			return nil, xerrors.Errorf("reading image tar: %w", err)
		}
		name := strings.TrimSuffix(hdr.Name, "/")

		switch {
		case hdr.Typeflag == tar.TypeDir:
			if err := closeLayer(); err != nil {
				return nil, err
			}
			currentDir = name
			layer, err = newLayerRepacker(filepath.Join(scratch, name+".tar.gz"))
			if err != nil {
				return nil, err
			}

		case currentDir != "" && strings.HasPrefix(name, currentDir+"/") && strings.HasSuffix(name, "layer.tar"):
			// The actual layer data; everything else in the layer
			// directory is dropped.
			rehdr := *hdr
			rehdr.Name = "layer.tar"
			if err := layer.Add(&rehdr, tr); err != nil {
				closeLayer()
				return nil, err
			}

		case currentDir != "" && strings.HasPrefix(name, currentDir+"/"):
			continue

		default:
			ws := &writerseeker.WriterSeeker{}
			if _, err := io.Copy(ws, tr); err != nil {
				closeLayer()
				return nil, xerrors.Errorf("buffering %s: %w", name, err)
			}
			topFiles[name] = ws
		}
	}
	if err := closeLayer(); err != nil {
		return nil, err
	}
	return topFiles, nil
}

// layerRepacker writes one <layer_id>.tar.gz: a gzip-compressed tar
// holding the layer's layer.tar. pgzip keeps compression off the
// critical path for multi-hundred-megabyte layers.
type layerRepacker struct {
	f  *os.File
	gz *pgzip.Writer
	tw *tar.Writer
}

func newLayerRepacker(path string) (*layerRepacker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, xerrors.Errorf("creating %s: %w", path, err)
	}
	gz := pgzip.NewWriter(f)
	return &layerRepacker{f: f, gz: gz, tw: tar.NewWriter(gz)}, nil
}

func (l *layerRepacker) Add(hdr *tar.Header, r io.Reader) error {
	if err := l.tw.WriteHeader(hdr); err != nil {
		return xerrors.Errorf("repacking %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(l.tw, r); err != nil {
		return xerrors.Errorf("repacking %s: %w", hdr.Name, err)
	}
	return nil
}

func (l *layerRepacker) Close() error {
	if err := l.tw.Close(); err != nil {
		l.gz.Close()
		l.f.Close()
		return err
	}
	if err := l.gz.Close(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", xerrors.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var _ statemachine.Manager = (*OCI)(nil)
