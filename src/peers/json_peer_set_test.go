package peers

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONPeerSet(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONPeerSet(dir)

	// a missing file means no bootstrap peers
	peers, err := store.Peers()
	require.NoError(t, err)
	assert.Nil(t, peers)

	written := []*BootstrapPeer{}
	for i := 0; i < 3; i++ {
		written = append(written, &BootstrapPeer{
			PeerID:  newPeerID(t),
			NetAddr: fmt.Sprintf("127.0.0.1:%d", 1337+i),
		})
	}
	require.NoError(t, store.Write(written))

	peers, err = store.Peers()
	require.NoError(t, err)
	assert.Equal(t, written, peers)
}

func TestJSONPeerSetEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "peers.json"), []byte("\n"), 0600))

	peers, err := NewJSONPeerSet(dir).Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestParseBootstrap(t *testing.T) {
	id := newPeerID(t)

	p, err := ParseBootstrap(id + "@127.0.0.1:1337")
	require.NoError(t, err)
	assert.Equal(t, id, p.PeerID)
	assert.Equal(t, "127.0.0.1:1337", p.NetAddr)

	ma := "/ip4/127.0.0.1/tcp/4001/p2p/" + id
	p, err = ParseBootstrap(ma)
	require.NoError(t, err)
	assert.Equal(t, id, p.PeerID)
	assert.Equal(t, ma, p.NetAddr)

	for _, bad := range []string{
		"127.0.0.1:1337",
		"notapeerid@127.0.0.1:1337",
		id + "@nohostport",
		"/ip4/127.0.0.1/tcp/4001",
	} {
		_, err := ParseBootstrap(bad)
		assert.Error(t, err, bad)
	}
}

func TestMergeBootstrap(t *testing.T) {
	a, b := newPeerID(t), newPeerID(t)

	merged, err := MergeBootstrap(
		[]*BootstrapPeer{{PeerID: a, NetAddr: "10.0.0.1:1337"}, {PeerID: b, NetAddr: "10.0.0.2:1337"}},
		[]string{a + "@10.0.0.9:1337", ""},
	)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "10.0.0.9:1337", merged[0].NetAddr)
	assert.Equal(t, b, merged[1].PeerID)

	_, err = MergeBootstrap([]*BootstrapPeer{{PeerID: "bad"}}, nil)
	assert.Error(t, err)
}
