package cluster

import (
	"context"
	"errors"
	"os"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/malbeclabs/core-bpf-migration/internal/logging"
	"github.com/stretchr/testify/require"
)

type mockDockerClient struct {
	ContainerListFunc   func(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error)
	ContainerRemoveFunc func(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	VolumeCreateFunc    func(ctx context.Context, options dockervolume.CreateOptions) (dockervolume.Volume, error)
	VolumeRemoveFunc    func(ctx context.Context, volumeID string, force bool) error
}

func (m *mockDockerClient) ContainerList(ctx context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
	return m.ContainerListFunc(ctx, options)
}

func (m *mockDockerClient) ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error {
	return m.ContainerRemoveFunc(ctx, containerID, options)
}

func (m *mockDockerClient) VolumeCreate(ctx context.Context, options dockervolume.CreateOptions) (dockervolume.Volume, error) {
	return m.VolumeCreateFunc(ctx, options)
}

func (m *mockDockerClient) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	return m.VolumeRemoveFunc(ctx, volumeID, force)
}

func TestCluster_RemoveStaleContainer(t *testing.T) {
	t.Parallel()

	log := logging.New(os.Stdout, testing.Verbose())

	t.Run("removes exact name match only", func(t *testing.T) {
		t.Parallel()

		var removed []string
		docker := &mockDockerClient{
			ContainerListFunc: func(_ context.Context, options dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
				require.True(t, options.All)
				require.Equal(t, []string{"cbm-validator"}, options.Filters.Get("name"))
				return []dockercontainer.Summary{
					{ID: "aaaaaaaaaaaaaaaa", Names: []string{"/cbm-validator"}, State: "exited"},
					{ID: "bbbbbbbbbbbbbbbb", Names: []string{"/cbm-validator-old"}, State: "running"},
				}, nil
			},
			ContainerRemoveFunc: func(_ context.Context, containerID string, options dockercontainer.RemoveOptions) error {
				require.True(t, options.Force)
				removed = append(removed, containerID)
				return nil
			},
		}

		require.NoError(t, removeStaleContainer(t.Context(), log, docker, "cbm-validator"))
		require.Equal(t, []string{"aaaaaaaaaaaaaaaa"}, removed)
	})

	t.Run("no containers", func(t *testing.T) {
		t.Parallel()

		docker := &mockDockerClient{
			ContainerListFunc: func(context.Context, dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
				return nil, nil
			},
			ContainerRemoveFunc: func(context.Context, string, dockercontainer.RemoveOptions) error {
				t.Fatal("unexpected remove")
				return nil
			},
		}

		require.NoError(t, removeStaleContainer(t.Context(), log, docker, "cbm-validator"))
	})

	t.Run("container already gone", func(t *testing.T) {
		t.Parallel()

		docker := &mockDockerClient{
			ContainerListFunc: func(context.Context, dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
				return []dockercontainer.Summary{{ID: "aaaaaaaaaaaaaaaa", Names: []string{"/cbm-validator"}}}, nil
			},
			ContainerRemoveFunc: func(context.Context, string, dockercontainer.RemoveOptions) error {
				return errdefs.NotFound(errors.New("no such container"))
			},
		}

		require.NoError(t, removeStaleContainer(t.Context(), log, docker, "cbm-validator"))
	})

	t.Run("list error", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("daemon unavailable")
		docker := &mockDockerClient{
			ContainerListFunc: func(context.Context, dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
				return nil, boom
			},
		}

		err := removeStaleContainer(t.Context(), log, docker, "cbm-validator")
		require.ErrorIs(t, err, boom)
		require.ErrorContains(t, err, "failed to list containers")
	})

	t.Run("remove error", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("device busy")
		docker := &mockDockerClient{
			ContainerListFunc: func(context.Context, dockercontainer.ListOptions) ([]dockercontainer.Summary, error) {
				return []dockercontainer.Summary{{ID: "aaaaaaaaaaaaaaaa", Names: []string{"/cbm-validator"}}}, nil
			},
			ContainerRemoveFunc: func(context.Context, string, dockercontainer.RemoveOptions) error {
				return boom
			},
		}

		err := removeStaleContainer(t.Context(), log, docker, "cbm-validator")
		require.ErrorIs(t, err, boom)
		require.ErrorContains(t, err, "failed to remove stale container cbm-validator")
	})
}

func TestCluster_Handle_RemoveVolumeIgnoresNotFound(t *testing.T) {
	t.Parallel()

	docker := &mockDockerClient{
		VolumeRemoveFunc: func(_ context.Context, volumeID string, force bool) error {
			require.Equal(t, "cbm-validator-ledger", volumeID)
			require.True(t, force)
			return errdefs.NotFound(errors.New("no such volume"))
		},
	}
	h := &Handle{docker: docker, volumeName: "cbm-validator-ledger"}
	require.NoError(t, h.removeVolume(t.Context()))
}
