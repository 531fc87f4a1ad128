package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/biusrv/internal/firewall"
	"github.com/andrej220/biusrv/internal/session"
	"github.com/andrej220/biusrv/pkg/config/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlInventory = `
[manage]
threads = 4
max_retry = 2
backoff = "500ms"
backoff_cap = "4s"

[manage.server.web2]
host = "10.0.0.12"
port = 2222
username = "deploy"
keypath = "~/.ssh/id_ed25519"

[manage.server.web1]
host = "10.0.0.11"
username = "deploy"
password = "s3cret"
use_password = true

[firewall]
policy = "whitelist"
allow_ports = ["22/tcp", "443/tcp"]

[events.kafka]
brokers = ["localhost:9092"]
topic = "biusrv-events"
`

const yamlInventory = `
manage:
  threads: 4
  max_retry: 2
  backoff: 500ms
  backoff_cap: 4s
  server:
    web2:
      host: 10.0.0.12
      port: 2222
      username: deploy
      keypath: ~/.ssh/id_ed25519
    web1:
      host: 10.0.0.11
      username: deploy
      password: s3cret
      use_password: true
firewall:
  policy: whitelist
  allow_ports: ["22/tcp", "443/tcp"]
events:
  kafka:
    brokers: ["localhost:9092"]
    topic: biusrv-events
`

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func assertInventory(t *testing.T, inv *Inventory) {
	t.Helper()
	assert.Equal(t, 4, inv.Manage.Threads)
	assert.Equal(t, []string{"web1", "web2"}, inv.Names())

	p := inv.Policy()
	assert.Equal(t, 2, p.MaxRetry)
	assert.Equal(t, 500*time.Millisecond, p.Base)
	assert.Equal(t, 4*time.Second, p.Cap)

	web1, ok := inv.Target("web1")
	require.True(t, ok)
	assert.Equal(t, session.Target{Name: "web1", Host: "10.0.0.11", User: "deploy", Password: "s3cret", UsePassword: true}, web1)
	web2, _ := inv.Target("web2")
	assert.Equal(t, 2222, web2.Port)
	assert.Equal(t, "~/.ssh/id_ed25519", web2.KeyPath)

	require.NotNil(t, inv.Firewall)
	assert.Equal(t, firewall.Policy{Policy: "whitelist", AllowPorts: []string{"22/tcp", "443/tcp"}}, *inv.Firewall)
	require.NotNil(t, inv.Events.Kafka)
	assert.Equal(t, "biusrv-events", inv.Events.Kafka.Topic)
}

func TestLoadFileTOMLAndYAML(t *testing.T) {
	for name, content := range map[string]string{"biusrv.toml": tomlInventory, "biusrv.yaml": yamlInventory} {
		t.Run(name, func(t *testing.T) {
			inv, err := LoadFile(write(t, name, content))
			require.NoError(t, err)
			assertInventory(t, inv)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"no servers": `
[manage]
threads = 1`,
		"missing host": `
[manage.server.a]
username = "root"`,
		"bad port": `
[manage.server.a]
host = "10.0.0.1"
port = 70000
username = "root"`,
		"bad firewall policy": `
[manage.server.a]
host = "10.0.0.1"
username = "root"
[firewall]
policy = "greylist"`,
		"bad firewall port": `
[manage.server.a]
host = "10.0.0.1"
username = "root"
[firewall]
allow_ports = ["ssh"]`,
		"kafka without topic": `
[manage.server.a]
host = "10.0.0.1"
username = "root"
[events.kafka]
brokers = ["localhost:9092"]`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(write(t, "inv.toml", content))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := LoadFile(write(t, "inv.yaml", "  \n"))
	assert.ErrorContains(t, err, "is empty")
}

func TestTargets(t *testing.T) {
	inv, err := LoadFile(write(t, "inv.toml", tomlInventory))
	require.NoError(t, err)

	all, err := inv.Targets(nil, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := inv.Targets([]string{"web2", "web1", "web2"}, false)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "web1", some[0].Name)

	_, err = inv.Targets([]string{"web3"}, false)
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, err = inv.Targets(nil, false)
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(FileStore, &FileConfig{Path: "inv.toml"})
	require.NoError(t, err)
	assert.Equal(t, filestore.TOML, store.(*filestore.FileStore).Format)

	_, err = NewStore(FileStore, &MongoConfig{})
	assert.Error(t, err)
	_, err = NewStore(MongoStore, &MongoConfig{URI: "mongodb://localhost"})
	assert.Error(t, err)
	_, err = NewStore(StoreType(9), nil)
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestSaveRoundTripKeepsFormat(t *testing.T) {
	for _, name := range []string{"inv.toml", "inv.yaml"} {
		t.Run(name, func(t *testing.T) {
			src, err := LoadFile(write(t, "src.toml", tomlInventory))
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, filestore.New(path).Save(src))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			assertInventory(t, loaded)
		})
	}
}

func TestWatchSeesAtomicReplace(t *testing.T) {
	path := write(t, "inv.yaml", yamlInventory)
	store := filestore.New(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	require.NoError(t, Watch(ctx, store, nil, func() { changes.Add(1) }))

	inv, err := Load(store)
	require.NoError(t, err)
	inv.Manage.Threads = 8
	require.NoError(t, store.Save(inv))

	require.Eventually(t, func() bool { return changes.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	reloaded, err := Load(store)
	require.NoError(t, err)
	assert.Equal(t, 8, reloaded.Manage.Threads)
}

func TestCloseFileStoreIsNoop(t *testing.T) {
	store, err := NewStore(FileStore, &FileConfig{Path: filepath.Join(t.TempDir(), "inv.toml")})
	require.NoError(t, err)
	assert.NoError(t, Close(context.Background(), store))
}
