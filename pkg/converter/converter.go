package converter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes/docker"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/types"
)

const (
	// Namespace is the containerd namespace for converter containers.
	Namespace = "compiler"

	// containerWorkdir is the fixed working directory inside the converter
	// container, bound to the translated source directory.
	containerWorkdir = "/autotex"

	converterEntrypoint = "/bin/autotex.pl"
)

// ErrCorruptedSource indicates that the converter rejected the source
// package as corrupt or malicious.
var ErrCorruptedSource = errors.New("source package is corrupted")

// corruptionMarkers are stderr fragments emitted by the converter when the
// source archive is unusable.
var corruptionMarkers = []string{
	"This does not look like a tar archive",
	"not in gzip format",
	"Unexpected EOF in archive",
	"suspicious file in source package",
}

// Options control one converter invocation. All of them are forwarded to the
// container command line.
type Options struct {
	StampLabel string // -l: watermark text on the left margin
	StampLink  string // -L: hyperlink target for the watermark
	AddStamp   bool   // when false, -s disables stamping

	Timeout time.Duration // -T: per-compilation timeout
	Layout  string        // -t: dvips page layout

	AddPSMapfile    bool   // -u
	PDvipsFlag      bool   // -P
	DDvipsFlag      bool   // -D
	IDForDecryption string // -d: overrides the default -p id

	// TexTreeTimestamp pins the TeX tree used for compilation; the worker
	// sets it to the requested checksum so tree resolution is reproducible.
	TexTreeTimestamp string

	Verbose bool // -v
}

// Converter runs the external TeX converter image via containerd.
type Converter struct {
	client *containerd.Client

	image            string
	pull             bool
	workerSourceRoot string
	dindSourceRoot   string
	region           string
	accessKey        string
	secretKey        string
}

// New connects to containerd and returns a converter runner.
func New(cfg *config.Config) (*Converter, error) {
	client, err := containerd.New(cfg.Converter.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &Converter{
		client:           client,
		image:            cfg.Converter.Image,
		pull:             cfg.Converter.ImagePull,
		workerSourceRoot: cfg.WorkerSourceRoot,
		dindSourceRoot:   cfg.DINDSourceRoot,
		region:           cfg.Store.Region,
		accessKey:        cfg.Store.AccessKey,
		secretKey:        cfg.Store.SecretKey,
	}, nil
}

// Close closes the containerd client connection.
func (c *Converter) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable pings the container runtime API.
func (c *Converter) IsAvailable(ctx context.Context) bool {
	serving, err := c.client.IsServing(ctx)
	if err != nil {
		log.WithComponent("converter").Error().Err(err).Msg("containerd is not reachable")
		return false
	}
	return serving
}

// ImageRef returns the converter image reference with an explicit tag.
func (c *Converter) ImageRef() string {
	if strings.Contains(c.image, ":") {
		return c.image
	}
	return c.image + ":latest"
}

// registryCredentials obtains a short-lived (user, password) pair for the
// image registry from ECR.
func (c *Converter) registryCredentials(ctx context.Context) (string, string, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.region)}
	if c.accessKey != "" && c.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(c.accessKey, c.secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", "", fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	out, err := ecr.NewFromConfig(awsCfg).GetAuthorizationToken(ctx,
		&ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", fmt.Errorf("failed to get registry authorization: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", fmt.Errorf("registry returned no authorization data")
	}

	raw, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode registry token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", fmt.Errorf("malformed registry token")
	}
	return user, password, nil
}

// pullImage pulls the converter image, authenticating with ECR credentials.
func (c *Converter) pullImage(ctx context.Context) error {
	logger := log.WithComponent("converter")
	logger.Info().Str("image", c.ImageRef()).Msg("pulling converter image")

	user, password, err := c.registryCredentials(ctx)
	if err != nil {
		return err
	}
	resolver := docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(
			docker.WithAuthorizer(docker.NewDockerAuthorizer(
				docker.WithAuthCreds(func(string) (string, string, error) {
					return user, password, nil
				})))),
	})

	_, err = c.client.Pull(ctx, c.ImageRef(),
		containerd.WithPullUnpack,
		containerd.WithResolver(resolver))
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", c.ImageRef(), err)
	}
	logger.Info().Msg("done pulling converter image")
	return nil
}

// Convert compiles a TeX source package into the requested format. It
// returns the paths of the produced artifact and log inside the workspace;
// either may be empty, indicating partial failure. A missing artifact is not
// an error at this layer.
func (c *Converter) Convert(ctx context.Context, source types.SourcePackage,
	format types.Format, opts Options) (string, string, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	logger := log.WithSourceID(source.SourceID)

	if c.pull {
		if err := c.pullImage(ctx); err != nil {
			return "", "", err
		}
	}

	srcDir := filepath.Dir(source.Path)
	bindSource, err := TranslatePath(srcDir, c.workerSourceRoot, c.dindSourceRoot)
	if err != nil {
		return "", "", err
	}
	logger.Debug().Str("bind", bindSource).Str("target", containerWorkdir).Msg("binding workspace")

	args := commandArgs(source.SourceID, format, opts)

	image, err := c.client.GetImage(ctx, c.ImageRef())
	if err != nil {
		return "", "", fmt.Errorf("failed to get image %s: %w", c.ImageRef(), err)
	}

	id := "autotex-" + uuid.NewString()
	container, err := c.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(args...),
			oci.WithMounts([]specs.Mount{{
				Source:      bindSource,
				Destination: containerWorkdir,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			}}),
		),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if derr := container.Delete(ctx, containerd.WithSnapshotCleanup); derr != nil {
			logger.Error().Err(derr).Msg("failed to delete converter container")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return "", "", fmt.Errorf("failed to create converter task: %w", err)
	}
	defer func() {
		if _, derr := task.Delete(ctx); derr != nil {
			logger.Error().Err(derr).Msg("failed to delete converter task")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to wait for converter task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", "", fmt.Errorf("failed to start converter task: %w", err)
	}

	// The converter enforces its own -T timeout; the grace period covers
	// container setup and teardown on top of it.
	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout+time.Minute)
	defer cancel()

	select {
	case status := <-statusC:
		logger.Debug().Uint32("exit_code", status.ExitCode()).Msg("converter exited")
	case <-waitCtx.Done():
		logger.Error().Msg("converter did not exit in time; killing")
		if kerr := task.Kill(ctx, syscall.SIGKILL); kerr != nil {
			logger.Error().Err(kerr).Msg("failed to kill converter task")
		}
	}

	logPath, err := ensureLog(srcDir, stdout.Bytes())
	if err != nil {
		return "", "", err
	}

	// Even a corrupted source leaves a usable log behind.
	if marker := findCorruptionMarker(stderr.String()); marker != "" {
		logger.Error().Str("marker", marker).Msg("converter flagged corrupted source")
		return "", logPath, fmt.Errorf("%w: %s", ErrCorruptedSource, marker)
	}

	return findArtifact(srcDir, format), logPath, nil
}

// TranslatePath maps a workspace directory on the worker to the equivalent
// path on the converter host. Both roots must refer to the same underlying
// volume.
func TranslatePath(workspace, workerRoot, dindRoot string) (string, error) {
	rel, err := filepath.Rel(workerRoot, workspace)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("workspace %s is not under worker source root %s", workspace, workerRoot)
	}
	return filepath.Join(dindRoot, rel), nil
}

// commandArgs builds the converter flag vector.
func commandArgs(sourceID string, format types.Format, opts Options) []string {
	args := []string{
		converterEntrypoint,
		"-S", containerWorkdir,
		"-p", sourceID,
		"-f", format.Ext(),
	}
	if opts.StampLabel != "" {
		args = append(args, "-l", opts.StampLabel)
	}
	if opts.StampLink != "" {
		args = append(args, "-L", opts.StampLink)
	}
	args = append(args,
		"-T", fmt.Sprintf("%d", int(opts.Timeout.Seconds())),
		"-t", opts.Layout,
		"-q",
	)
	if opts.Verbose {
		args = append(args, "-v")
	}
	if !opts.AddStamp {
		args = append(args, "-s")
	}
	if opts.AddPSMapfile {
		args = append(args, "-u")
	}
	if opts.PDvipsFlag {
		args = append(args, "-P")
	}
	if opts.DDvipsFlag {
		args = append(args, "-D")
	}
	if opts.IDForDecryption != "" {
		args = append(args, "-d", opts.IDForDecryption)
	}
	if opts.TexTreeTimestamp != "" {
		args = append(args, "-U", opts.TexTreeTimestamp)
	}
	return args
}

func findCorruptionMarker(stderr string) string {
	for _, marker := range corruptionMarkers {
		if strings.Contains(stderr, marker) {
			return marker
		}
	}
	return ""
}

// findArtifact scans the workspace cache for the first file in the requested
// format. The converter has naming heuristics (version affixes), but only
// one file per format ends up in the cache.
func findArtifact(srcDir string, format types.Format) string {
	cache := filepath.Join(srcDir, "tex_cache")
	entries, err := os.ReadDir(cache)
	if err != nil {
		log.WithComponent("converter").Debug().Str("dir", cache).Msg("output directory does not exist")
		return ""
	}
	suffix := "." + format.Ext()
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			return filepath.Join(cache, entry.Name())
		}
	}
	return ""
}

// ensureLog returns the path of the converter log, writing the captured
// stdout there when the converter did not produce one.
func ensureLog(srcDir string, captured []byte) (string, error) {
	logPath := filepath.Join(srcDir, "tex_logs", "autotex.log")
	if info, err := os.Stat(logPath); err == nil && info.Size() > 0 {
		return logPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(logPath, captured, 0o644); err != nil {
		return "", fmt.Errorf("failed to write fallback log: %w", err)
	}
	return logPath, nil
}
