package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwarden/poolwarden/pkg/types"
)

func fakeClient(fn cliRunner) *Client {
	return &Client{nodeName: "pool-node-1", cliPath: "/usr/bin/jcli", restHost: "http://127.0.0.1:3100", runner: fn}
}

func TestGetStats_Bootstrapping(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte(`{"state":"Bootstrapping"}`), nil, 0, nil
	})
	_, err := c.GetStats(context.Background())
	assert.ErrorIs(t, err, ErrBootstrapping)
}

func TestGetStats_NotReady(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte(`{}`), nil, 0, nil
	})
	_, err := c.GetStats(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestGetStats_Success(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte(`{"lastBlockHeight":1234,"lastBlockHash":"abc","lastBlockDate":"312.45","uptime":9000,"version":"0.13.0"}`), nil, 0, nil
	})
	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1234, stats.LastBlockHeight)
	assert.Equal(t, "312.45", stats.LastBlockDate)
	assert.Equal(t, 312, stats.Epoch())
}

func TestGetStats_CLIErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   types.CLIErrorKind
	}{
		{"rest request failure", "failed to make a REST request to node", types.CLIErrorFailedRESTRequest},
		{"address in use", "Address already in use", types.CLIErrorAddressAlreadyInUse},
		{"unclassified", "some other error", types.CLIErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
				return nil, []byte(tt.stderr), 1, assert.AnError
			})
			_, err := c.GetStats(context.Background())
			var cliErr *types.CLIError
			require.ErrorAs(t, err, &cliErr)
			assert.Equal(t, tt.want, cliErr.Kind)
		})
	}
}

func TestUnregisterLeader_RequiresSuccessMarker(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte("Leader deleted"), nil, 0, nil
	})
	err := c.UnregisterLeader(context.Background(), 7)
	assert.Error(t, err)

	c2 := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte("SUCCESS"), nil, 0, nil
	})
	err = c2.UnregisterLeader(context.Background(), 7)
	assert.NoError(t, err)
}

func TestGetLeadersLogs_FiltersByEpochAndUnfinished(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte(`[
			{"scheduled_at_date":"312.10","scheduled_at_time":null,"finished_at_time":null},
			{"scheduled_at_date":"311.99","scheduled_at_time":null,"finished_at_time":null},
			{"scheduled_at_date":"312.20","scheduled_at_time":null,"finished_at_time":"2026-01-01T00:00:00Z"}
		]`), nil, 0, nil
	})
	entries, err := c.GetLeadersLogs(context.Background(), 312)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "312.10", entries[0].ScheduledAtDate)
}

func TestTryGetLeaders_SkipsWhenLocked(t *testing.T) {
	c := fakeClient(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
		return []byte(`[]`), nil, 0, nil
	})
	Mutex.Lock()
	_, ok, err := c.TryGetLeaders(context.Background())
	Mutex.Unlock()
	assert.NoError(t, err)
	assert.False(t, ok)
}
