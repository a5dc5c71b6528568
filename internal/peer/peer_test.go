// ABOUTME: Tests for the peer API server and client against real SQLite stores
// ABOUTME: Two machines are simulated with separate stores and an httptest server

package peer

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "network.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// remoteMachine spins up a peer API server backed by its own store.
func remoteMachine(t *testing.T, name string) (store.Store, *httptest.Server) {
	t.Helper()
	st := newStore(t)
	cfg := config.Default()
	cfg.Machine.Name = name
	mux := http.NewServeMux()
	NewServer(st, cfg, slog.Default()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return st, srv
}

func addMutualPeer(t *testing.T, st store.Store, name, url, secret string) {
	t.Helper()
	require.NoError(t, st.UpsertPeer(context.Background(), &store.Peer{
		Name:         name,
		URL:          url,
		SharedSecret: secret,
		Status:       store.PeerStatusApproved,
		Direction:    store.PeerDirectionMutual,
		CreatedAt:    time.Now(),
	}))
}

func joinRemote(t *testing.T, st store.Store, sessionID, network, agent string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.UpsertSession(context.Background(), &store.Session{
		SessionID: sessionID,
		AgentID:   agent,
		NetworkID: network,
		JoinedAt:  now,
		LastSeen:  now,
	}, now.Add(-30*time.Second)))
}

func newClient(t *testing.T, st store.Store) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Machine.Name = "local-box"
	cfg.Machine.URL = "http://local.example:7777"
	return NewClient(st, cfg, slog.Default())
}

func TestHealthUnauthenticated(t *testing.T) {
	_, srv := remoteMachine(t, "remote-box")

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentsRequiresAuth(t *testing.T) {
	_, srv := remoteMachine(t, "remote-box")

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentsListsRemote(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")

	// The remote store must recognize our secret.
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	agents := client.Agents(ctx, "dev")
	require.Len(t, agents, 1)
	assert.Equal(t, "remote-alice", agents[0].AgentID)
	assert.Equal(t, "remote-box", agents[0].Peer)
}

func TestAgentsCacheServesStale(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	first := client.Agents(ctx, "dev")
	require.Len(t, first, 1)

	// A second remote agent joins; the cached list hides it for now.
	joinRemote(t, remoteStore, "sess-r2", "dev", "remote-bob")
	second := client.Agents(ctx, "dev")
	assert.Len(t, second, 1)
}

func TestDeliverToRemoteAgent(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	peerName, delivered, err := client.Deliver(ctx, "local-bob", "dev", "remote-alice", "hello across")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, "remote-box", peerName)

	msgs, err := remoteStore.ClaimPending(ctx, "dev", "remote-alice", 5, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "local-bob", msgs[0].SenderID)
	assert.Equal(t, "hello across", msgs[0].Content)
}

func TestDeliverUnknownRecipientNotDelivered(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	_, delivered, err := client.Deliver(ctx, "local-bob", "dev", "nobody", "hello?")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestDeliverUnreachablePeerSkipped(t *testing.T) {
	ctx := context.Background()
	localStore := newStore(t)
	addMutualPeer(t, localStore, "dead-box", "http://127.0.0.1:1", "s3cret")
	client := newClient(t, localStore)

	_, delivered, err := client.Deliver(ctx, "local-bob", "dev", "anyone", "hello?")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestBroadcastFansOutToRemote(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")
	joinRemote(t, remoteStore, "sess-r2", "dev", "remote-bob")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	count, err := client.Broadcast(ctx, "local-carol", "dev", "all hands")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBroadcastSkipsExpiredRemoteAgents(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	// A member whose heartbeat lapsed long ago must not get a copy.
	stale := time.Now().Add(-2 * time.Minute)
	require.NoError(t, remoteStore.UpsertSession(ctx, &store.Session{
		SessionID: "sess-r2",
		AgentID:   "remote-bob",
		NetworkID: "dev",
		JoinedAt:  stale,
		LastSeen:  stale,
	}, time.Time{}))

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	count, err := client.Broadcast(ctx, "local-carol", "dev", "all hands")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	msgs, err := remoteStore.ClaimPending(ctx, "dev", "remote-bob", 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPairingHandshake(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")

	localStore := newStore(t)
	client := newClient(t, localStore)

	res, err := client.PairWith(ctx, "remote-box", srv.URL, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusPending, res.Status)
	assert.Empty(t, res.Warning)

	// The remote recorded us as an inbound pending peer.
	remotePeer, err := remoteStore.GetPeer(ctx, "local-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusPending, remotePeer.Status)
	assert.Equal(t, store.PeerDirectionInbound, remotePeer.Direction)
	assert.Equal(t, "s3cret", remotePeer.SharedSecret)

	localPeer, err := localStore.GetPeer(ctx, "remote-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerDirectionOutbound, localPeer.Direction)
}

func TestPairWithOfflineRemoteSavesLocally(t *testing.T) {
	ctx := context.Background()
	localStore := newStore(t)
	client := newClient(t, localStore)

	res, err := client.PairWith(ctx, "dead-box", "http://127.0.0.1:1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusPending, res.Status)
	assert.Contains(t, res.Warning, "saved locally")

	_, err = localStore.GetPeer(ctx, "dead-box")
	require.NoError(t, err)
}

func TestPairWithRequiresLocalURL(t *testing.T) {
	localStore := newStore(t)
	cfg := config.Default()
	cfg.Machine.URL = ""
	client := NewClient(localStore, cfg, slog.Default())

	_, err := client.PairWith(context.Background(), "remote-box", "http://remote:7777", "")
	assert.ErrorIs(t, err, ErrNoLocalURL)
}

func TestPairWithRejectsBadName(t *testing.T) {
	client := newClient(t, newStore(t))

	_, err := client.PairWith(context.Background(), "bad name!", "http://remote:7777", "")
	assert.ErrorIs(t, err, ErrInvalidPeerName)
}

func TestApproveCompletesMutualPairing(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	// Remote initiated the pairing: we hold an inbound pending row and
	// they hold the outbound side.
	require.NoError(t, remoteStore.UpsertPeer(ctx, &store.Peer{
		Name:      "local-box",
		URL:       "http://local.example:7777",
		Status:    store.PeerStatusPending,
		Direction: store.PeerDirectionOutbound,
		CreatedAt: time.Now(),
	}))

	localStore := newStore(t)
	require.NoError(t, localStore.UpsertPeer(ctx, &store.Peer{
		Name:         "remote-box",
		URL:          srv.URL,
		SharedSecret: "s3cret",
		Status:       store.PeerStatusPending,
		Direction:    store.PeerDirectionInbound,
		CreatedAt:    time.Now(),
	}))
	client := newClient(t, localStore)

	res, err := client.Approve(ctx, "remote-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusApproved, res.Status)

	local, err := localStore.GetPeer(ctx, "remote-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerDirectionMutual, local.Direction)

	remote, err := remoteStore.GetPeer(ctx, "local-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusApproved, remote.Status)
	assert.Equal(t, store.PeerDirectionMutual, remote.Direction)
}

func TestApproveUnreachableRemoteReverts(t *testing.T) {
	ctx := context.Background()
	localStore := newStore(t)
	require.NoError(t, localStore.UpsertPeer(ctx, &store.Peer{
		Name:      "dead-box",
		URL:       "http://127.0.0.1:1",
		Status:    store.PeerStatusPending,
		Direction: store.PeerDirectionInbound,
		CreatedAt: time.Now(),
	}))
	client := newClient(t, localStore)

	_, err := client.Approve(ctx, "dead-box")
	require.Error(t, err)

	p, err := localStore.GetPeer(ctx, "dead-box")
	require.NoError(t, err)
	assert.Equal(t, store.PeerStatusPending, p.Status)
}

func TestApproveUnknownPeer(t *testing.T) {
	client := newClient(t, newStore(t))

	_, err := client.Approve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestPairRequestNotifiesLocalAgents(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")

	localStore := newStore(t)
	client := newClient(t, localStore)
	_, err := client.PairWith(ctx, "remote-box", srv.URL, "s3cret")
	require.NoError(t, err)

	msgs, err := remoteStore.ClaimPending(ctx, "dev", "remote-alice", 5, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, SystemSender, msgs[0].SenderID)
	assert.Contains(t, msgs[0].Content, "Pairing request from 'local-box'")
}

func TestRemovePeer(t *testing.T) {
	ctx := context.Background()
	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", "http://remote:7777", "s3cret")
	client := newClient(t, localStore)

	require.NoError(t, client.Remove(ctx, "remote-box"))
	assert.ErrorIs(t, client.Remove(ctx, "remote-box"), ErrPeerNotFound)
}

func TestListPeers(t *testing.T) {
	ctx := context.Background()
	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", "http://remote:7777", "s3cret")
	client := newClient(t, localStore)

	peers, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "remote-box", peers[0].Name)
	assert.Equal(t, store.PeerDirectionMutual, peers[0].Direction)
	assert.NotEmpty(t, peers[0].CreatedAt)
}

func TestDeliverEnforcesUnreadCap(t *testing.T) {
	ctx := context.Background()
	remoteStore, srv := remoteMachine(t, "remote-box")
	joinRemote(t, remoteStore, "sess-r1", "dev", "remote-alice")
	addMutualPeer(t, remoteStore, "local-box", "http://local.example:7777", "s3cret")

	localStore := newStore(t)
	addMutualPeer(t, localStore, "remote-box", srv.URL, "s3cret")
	client := newClient(t, localStore)

	for i := 0; i < 5; i++ {
		_, delivered, err := client.Deliver(ctx, "local-bob", "dev", "remote-alice", "ping")
		require.NoError(t, err)
		require.True(t, delivered)
	}

	_, _, err := client.Deliver(ctx, "local-bob", "dev", "remote-alice", "one too many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
