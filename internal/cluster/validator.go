package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/core-bpf-migration/config"
	"github.com/malbeclabs/core-bpf-migration/internal/logging"
	"github.com/malbeclabs/core-bpf-migration/internal/poll"
	"github.com/malbeclabs/core-bpf-migration/internal/solana/rpc"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// The solana-test-validator runtime uses ~1.4GB baseline.
	validatorContainerMemory = 4 * 1024 * 1024 * 1024

	internalRPCPort = 8899

	ledgerMountPath  = "/test-ledger"
	genesisMountPath = "/cbm-genesis"

	readyTimeout = 60 * time.Second

	defaultName = "cbm"

	// EnvValidatorImage overrides the validator container image.
	EnvValidatorImage = "CBM_VALIDATOR_IMAGE"
)

var (
	ErrMissingGenesis = errors.New("genesis is required")
	ErrMissingPayer   = errors.New("payer is required")
)

// DockerClient manages the ledger volume backing the validator container and removes validator
// containers left behind by earlier runs.
type DockerClient interface {
	ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	VolumeCreate(ctx context.Context, options dockervolume.CreateOptions) (dockervolume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

type Config struct {
	// Image is the validator container image, defaulting to $CBM_VALIDATOR_IMAGE and then
	// config.DefaultValidatorImage.
	Image string

	// Name prefixes the container and ledger volume names.
	Name string

	Genesis *Genesis
	Payer   solana.PrivateKey

	// WorkDir receives the rendered genesis account files. A temporary directory is used when
	// empty.
	WorkDir string
}

func (c *Config) Validate() error {
	if c.Image == "" {
		c.Image = os.Getenv(EnvValidatorImage)
	}
	if c.Image == "" {
		c.Image = config.DefaultValidatorImage
	}
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.Genesis == nil {
		return ErrMissingGenesis
	}
	if err := c.Genesis.Validate(); err != nil {
		return fmt.Errorf("invalid genesis: %w", err)
	}
	if len(c.Payer) == 0 {
		return ErrMissingPayer
	}
	return nil
}

func (c *Config) volumeName() string {
	return c.Name + "-ledger"
}

func (c *Config) containerName() string {
	return c.Name + "-validator"
}

// Handle owns a running test cluster. It is not shared across runs.
type Handle struct {
	log *slog.Logger

	RPC    *solanarpc.Client
	RPCURL string
	Payer  solana.PrivateKey

	ContainerID string

	container  testcontainers.Container
	docker     DockerClient
	volumeName string
	genesisDir string
	ownsDir    bool
}

// Start boots a validator from cfg.Genesis on a fresh ledger volume and waits until its RPC
// endpoint reports healthy. Any failure is returned without retrying.
func Start(ctx context.Context, log *slog.Logger, docker DockerClient, cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate cluster config: %w", err)
	}
	log = log.With("component", "cluster")
	log.Info("==> Starting test validator", "image", cfg.Image, "slotsPerEpoch", cfg.Genesis.SlotsPerEpoch)

	h := &Handle{
		log:        log,
		Payer:      cfg.Payer,
		docker:     docker,
		volumeName: cfg.volumeName(),
		genesisDir: cfg.WorkDir,
	}
	if h.genesisDir == "" {
		dir, err := os.MkdirTemp("", "cbm-genesis-")
		if err != nil {
			return nil, fmt.Errorf("failed to create genesis directory: %w", err)
		}
		h.genesisDir = dir
		h.ownsDir = true
	}

	args, files, err := validatorPlan(cfg.Genesis, h.genesisDir)
	if err != nil {
		h.cleanupDir()
		return nil, err
	}

	// A validator or ledger left behind by an interrupted run must not leak into this one.
	if err := removeStaleContainer(ctx, log, docker, cfg.containerName()); err != nil {
		h.cleanupDir()
		return nil, err
	}
	if err := h.removeVolume(ctx); err != nil {
		h.cleanupDir()
		return nil, err
	}
	labels := map[string]string{
		"org.testcontainers":           "true",
		"org.testcontainers.lang":      "go",
		"org.testcontainers.sessionId": testcontainers.SessionID(),
	}
	maps.Copy(labels, containerLabels(cfg.Name))
	if _, err := docker.VolumeCreate(ctx, dockervolume.CreateOptions{Name: h.volumeName, Labels: labels}); err != nil {
		h.cleanupDir()
		return nil, fmt.Errorf("failed to create ledger volume: %w", err)
	}

	rpcPort := nat.Port(fmt.Sprintf("%d/tcp", internalRPCPort))
	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		Name:         cfg.containerName(),
		Entrypoint:   []string{"solana-test-validator"},
		Cmd:          args,
		ExposedPorts: []string{string(rpcPort)},
		Files:        files,
		WaitingFor:   wait.ForListeningPort(rpcPort).WithStartupTimeout(readyTimeout),
		Resources: dockercontainer.Resources{
			Memory: validatorContainerMemory,
		},
		Labels: containerLabels(cfg.Name),
		Mounts: []testcontainers.ContainerMount{
			{
				Source:   testcontainers.GenericVolumeMountSource{Name: h.volumeName},
				Target:   ledgerMountPath,
				ReadOnly: false,
			},
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           logging.NewTestcontainersAdapter(log, "cluster", cfg.Name),
	})
	if err != nil {
		_ = h.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start validator: %w", err)
	}
	h.container = container
	h.ContainerID = shortContainerID(container.GetContainerID())

	host, err := container.Host(ctx)
	if err != nil {
		_ = h.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to get validator host: %w", err)
	}
	port, err := container.MappedPort(ctx, rpcPort)
	if err != nil {
		_ = h.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to get validator RPC port: %w", err)
	}
	h.RPCURL = "http://" + net.JoinHostPort(host, port.Port())

	if err := waitForSolanaReady(ctx, log, h.RPCURL); err != nil {
		_ = h.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	h.RPC = rpc.New(h.RPCURL, nil)

	log.Info("--> Test validator started", "container", h.ContainerID, "rpcURL", h.RPCURL, "payer", cfg.Payer.PublicKey())
	return h, nil
}

// Close terminates the validator and deletes its ledger volume.
func (h *Handle) Close(ctx context.Context) error {
	var errs []error
	if h.container != nil {
		h.log.Debug("--> Terminating test validator", "container", h.ContainerID)
		if err := h.container.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate validator: %w", err))
		}
		h.container = nil
	}
	if err := h.removeVolume(ctx); err != nil {
		errs = append(errs, err)
	}
	h.cleanupDir()
	return errors.Join(errs...)
}

// removeStaleContainer force-removes the container called name, running or not.
func removeStaleContainer(ctx context.Context, log *slog.Logger, docker DockerClient, name string) error {
	containers, err := docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true, // Include non-running containers.
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		// The name filter matches substrings.
		if !slices.Contains(c.Names, "/"+name) {
			continue
		}
		log.Info("--> Removing stale validator container", "container", shortContainerID(c.ID), "state", c.State)
		err := docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove stale container %s: %w", name, err)
		}
	}
	return nil
}

func (h *Handle) removeVolume(ctx context.Context) error {
	err := h.docker.VolumeRemove(ctx, h.volumeName, true)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove ledger volume %s: %w", h.volumeName, err)
	}
	return nil
}

func (h *Handle) cleanupDir() {
	if h.ownsDir {
		_ = os.RemoveAll(h.genesisDir)
	}
}

// validatorPlan renders the genesis accounts into hostDir and returns the validator arguments
// together with the files to copy into the container.
func validatorPlan(g *Genesis, hostDir string) ([]string, []testcontainers.ContainerFile, error) {
	paths, err := WriteAccountFiles(hostDir, g.Accounts)
	if err != nil {
		return nil, nil, err
	}

	args := []string{
		"--ledger", ledgerMountPath,
		"--reset",
		"--rpc-port", strconv.Itoa(internalRPCPort),
		"--bind-address", "0.0.0.0",
		"--slots-per-epoch", strconv.FormatUint(g.SlotsPerEpoch, 10),
	}
	var files []testcontainers.ContainerFile
	for _, a := range g.Accounts {
		hostPath := paths[a.Address]
		containerPath := path.Join(genesisMountPath, "accounts", a.Address.String()+".json")
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      hostPath,
			ContainerFilePath: containerPath,
			FileMode:          0o644,
		})
		args = append(args, "--account", a.Address.String(), containerPath)
	}
	for _, p := range g.UpgradeablePrograms {
		containerPath := path.Join(genesisMountPath, "programs", p.ProgramID.String()+".so")
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      p.Path,
			ContainerFilePath: containerPath,
			FileMode:          0o644,
		})
		args = append(args, "--upgradeable-program", p.ProgramID.String(), containerPath, "none")
	}
	for _, id := range g.DeactivateFeatures {
		args = append(args, "--deactivate-feature", id.String())
	}
	return args, files, nil
}

func containerLabels(name string) map[string]string {
	return map[string]string{
		"cbm":      "true",
		"cbm/name": name,
	}
}

func waitForSolanaReady(ctx context.Context, log *slog.Logger, rpcURL string) error {
	var loggedWait bool
	var attempts int
	err := poll.Until(ctx, func() (bool, error) {
		attempts++
		reqBody := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getHealth"}`)
		req, err := http.NewRequestWithContext(ctx, "POST", rpcURL, reqBody)
		if err != nil {
			return false, fmt.Errorf("failed to build health request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			if !loggedWait && attempts > 1 {
				log.Debug("--> Waiting for validator to be ready", "rpcURL", rpcURL, "timeout", readyTimeout, "error", err)
				loggedWait = true
			}
			return false, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, nil
		}
		return strings.Contains(string(body), `"result":"ok"`), nil
	}, readyTimeout, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to wait for validator to be ready: %w", err)
	}
	return nil
}

func shortContainerID(id string) string {
	if len(id) < 12 {
		return id
	}
	return id[:12]
}
