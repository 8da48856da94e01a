package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/graphnote/graphnote/internal/cipher"
	"github.com/graphnote/graphnote/internal/localdb"
	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
)

// fakeEndpoint is an in-memory sync server applying last-writer-wins.
type fakeEndpoint struct {
	mu     sync.Mutex
	nodes  map[string]map[string]*schema.Node
	afters []time.Time

	// extra is appended to every pull response regardless of the watermark.
	extra   []*schema.Node
	pullErr error
	pushErr error

	// entered and release let tests hold a pull open.
	entered chan string
	release chan struct{}
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{nodes: make(map[string]map[string]*schema.Node)}
}

func (f *fakeEndpoint) GetPullableNodes(ctx context.Context, b schema.Binding, after time.Time) ([]*schema.Node, error) {
	if f.entered != nil {
		f.entered <- b.SpaceID
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.afters = append(f.afters, after)
	if f.pullErr != nil {
		return nil, f.pullErr
	}

	var out []*schema.Node
	for _, n := range f.nodes[b.SpaceID] {
		if n.UpdatedAt.After(after) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	for _, n := range f.extra {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (f *fakeEndpoint) PushNodes(ctx context.Context, b schema.Binding, nodes []*schema.Node) (*remote.PushAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushErr != nil {
		return nil, f.pushErr
	}

	ack := &remote.PushAck{}
	for _, n := range nodes {
		f.putLocked(b.SpaceID, n)
		ack.Accepted++
	}
	return ack, nil
}

func (f *fakeEndpoint) put(spaceID string, n *schema.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(spaceID, n)
}

func (f *fakeEndpoint) putLocked(spaceID string, n *schema.Node) {
	if f.nodes[spaceID] == nil {
		f.nodes[spaceID] = make(map[string]*schema.Node)
	}
	if cur, ok := f.nodes[spaceID][n.ID]; ok && !n.UpdatedAt.After(cur.UpdatedAt) {
		return
	}
	f.nodes[spaceID][n.ID] = n.Clone()
}

func (f *fakeEndpoint) get(spaceID, id string) *schema.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[spaceID][id]
}

// countingStore records space writes.
type countingStore struct {
	*localdb.DB
	spaceWrites atomic.Int32
}

func (c *countingStore) UpdateSpace(ctx context.Context, id string, patch schema.SpacePatch) error {
	c.spaceWrites.Add(1)
	return c.DB.UpdateSpace(ctx, id, patch)
}

var testCipher = cipher.NewWithIterations(1000)

type testEnv struct {
	db     *localdb.DB
	store  *countingStore
	ep     *fakeEndpoint
	syncer Syncer
}

func setupTest(t *testing.T, ep *fakeEndpoint) *testEnv {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("localdb.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	store := &countingStore{DB: db}
	s, err := New(Config{
		Store:     store,
		Endpoint:  ep,
		Directory: newFakeDirectory(),
		Cipher:    testCipher,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testEnv{db: db, store: store, ep: ep, syncer: s}
}

func (e *testEnv) addSpace(t *testing.T, id string, encrypted bool, password string) {
	t.Helper()
	space := &schema.Space{
		ID:                    id,
		UserID:                "user-1",
		Name:                  "Space " + id,
		Encrypted:             encrypted,
		Password:              password,
		SyncServerID:          "srv-1",
		SyncServerURL:         "http://sync.test",
		SyncServerAccessToken: "token",
	}
	if err := e.db.CreateSpace(context.Background(), space); err != nil {
		t.Fatalf("CreateSpace() failed: %v", err)
	}
}

func (e *testEnv) space(t *testing.T, id string) *schema.Space {
	t.Helper()
	s, err := e.db.GetSpace(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSpace() failed: %v", err)
	}
	return s
}

func node(id, spaceID string, ms int64, text string) *schema.Node {
	return &schema.Node{
		ID:        id,
		SpaceID:   spaceID,
		Type:      schema.NodeTypeCommon,
		Element:   json.RawMessage(`[{"text":"` + text + `"}]`),
		Props:     json.RawMessage(`{"color":"red"}`),
		CreatedAt: schema.FromMillis(ms),
		UpdatedAt: schema.FromMillis(ms),
	}
}

func encryptedNode(t *testing.T, id, spaceID string, ms int64, text, password string) *schema.Node {
	t.Helper()
	n := node(id, spaceID, ms, text)
	for _, field := range []*json.RawMessage{&n.Element, &n.Props} {
		ct, err := testCipher.Encrypt(string(*field), password)
		if err != nil {
			t.Fatalf("Encrypt() failed: %v", err)
		}
		*field, _ = json.Marshal(ct)
	}
	return n
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Endpoint: newFakeEndpoint()}); err == nil {
		t.Error("New() without store succeeded")
	}
	if _, err := New(Config{Store: &countingStore{}}); err == nil {
		t.Error("New() without endpoint succeeded")
	}
}

func TestPull_AppliesRemoteNodes(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")

	if err := env.db.CreateNode(ctx, node("n1", "s1", 1000, "old")); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	env.ep.put("s1", node("n1", "s1", 2000, "new"))
	env.ep.put("s1", node("n2", "s1", 3000, "fresh"))

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Created != 1 || res.Updated != 1 {
		t.Errorf("Pull() created=%d updated=%d, want 1 and 1", res.Created, res.Updated)
	}

	got, err := env.db.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if got.PlainText() != "new" {
		t.Errorf("n1 text = %q, want %q", got.PlainText(), "new")
	}

	if ms := schema.Millis(env.space(t, "s1").NodesLastUpdatedAt); ms != 3000 {
		t.Errorf("NodesLastUpdatedAt = %d, want 3000", ms)
	}
}

func TestPull_RequestsStrictlyAfterLocalWatermark(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")

	for _, n := range []*schema.Node{node("a", "s1", 1000, "a"), node("b", "s1", 5000, "b")} {
		if err := env.db.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode() failed: %v", err)
		}
	}

	if _, err := env.syncer.Pull(ctx, "s1"); err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(env.ep.afters) != 1 || schema.Millis(env.ep.afters[0]) != 5000 {
		t.Errorf("pull requested after=%v, want [5000]", env.ep.afters)
	}
}

func TestPull_EmptyResponseIsNoop(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")
	before := env.space(t, "s1")

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Changed() {
		t.Errorf("Pull() reported changes on empty response: %+v", res)
	}
	if n := env.store.spaceWrites.Load(); n != 0 {
		t.Errorf("space written %d times, want 0", n)
	}
	if diff := cmp.Diff(before, env.space(t, "s1")); diff != "" {
		t.Errorf("space changed (-before +after):\n%s", diff)
	}
}

func TestPull_Idempotent(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")
	env.ep.put("s1", node("n1", "s1", 1000, "one"))
	env.ep.put("s1", node("n2", "s1", 2000, "two"))

	if _, err := env.syncer.Pull(ctx, "s1"); err != nil {
		t.Fatalf("first Pull() failed: %v", err)
	}
	first, _ := env.db.ListNodesBySpace(ctx, "s1")
	firstSpace := env.space(t, "s1")
	writes := env.store.spaceWrites.Load()

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("second Pull() failed: %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("second Pull() fetched %d nodes, want 0", res.Fetched)
	}
	second, _ := env.db.ListNodesBySpace(ctx, "s1")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("nodes changed on second pull (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstSpace, env.space(t, "s1")); diff != "" {
		t.Errorf("space changed on second pull (-first +second):\n%s", diff)
	}
	if env.store.spaceWrites.Load() != writes {
		t.Error("second pull wrote the space")
	}
}

func TestPull_WatermarkNeverRegresses(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")

	high := schema.FromMillis(9000)
	if err := env.db.UpdateSpace(ctx, "s1", schema.SpacePatch{NodesLastUpdatedAt: &high}); err != nil {
		t.Fatalf("UpdateSpace() failed: %v", err)
	}
	env.ep.put("s1", node("n1", "s1", 1000, "one"))

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("Created = %d, want 1", res.Created)
	}
	if got := schema.Millis(env.space(t, "s1").NodesLastUpdatedAt); got != 9000 {
		t.Errorf("NodesLastUpdatedAt = %d, want 9000", got)
	}
}

func TestPull_SkipsNodesAtOrBelowWatermark(t *testing.T) {
	ep := newFakeEndpoint()
	env := setupTest(t, ep)
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")

	if err := env.db.CreateNode(ctx, node("n1", "s1", 5000, "local")); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	// A misbehaving server returns a strictly older copy.
	ep.extra = []*schema.Node{node("n1", "s1", 4000, "stale")}

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Skipped != 1 || res.Updated != 0 {
		t.Errorf("skipped=%d updated=%d, want 1 and 0", res.Skipped, res.Updated)
	}
	got, _ := env.db.GetNode(ctx, "n1")
	if got.PlainText() != "local" {
		t.Errorf("n1 text = %q, newer local copy was overwritten", got.PlainText())
	}
	if env.store.spaceWrites.Load() != 0 {
		t.Error("space written although nothing was applied")
	}
}

func TestPull_EncryptedSpaceStoresPlaintext(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "pw")
	remoteNode := encryptedNode(t, "n1", "s1", 1000, "secret", "pw")
	env.ep.put("s1", remoteNode)

	if _, err := env.syncer.Pull(ctx, "s1"); err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}

	got, err := env.db.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if got.PlainText() != "secret" {
		t.Errorf("element = %s, want decrypted plaintext", got.Element)
	}
	if string(got.Props) != `{"color":"red"}` {
		t.Errorf("props = %s, want decrypted plaintext", got.Props)
	}
	if string(remoteNode.Element) == string(got.Element) {
		t.Error("server returned the stored element as plaintext")
	}
	if string(remoteNode.Props) == string(got.Props) {
		t.Error("server returned the stored props as plaintext")
	}
}

func TestPull_EncryptedWithoutPasswordIsVerbatim(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "")
	remoteNode := encryptedNode(t, "n1", "s1", 1000, "secret", "pw")
	env.ep.put("s1", remoteNode)

	if _, err := env.syncer.Pull(ctx, "s1"); err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	got, _ := env.db.GetNode(ctx, "n1")
	if string(got.Element) != string(remoteNode.Element) {
		t.Errorf("element = %s, want ciphertext stored verbatim", got.Element)
	}
}

func TestPush_EncryptedWithoutPasswordSendsNothing(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "")
	if err := env.db.PutNode(ctx, node("n1", "s1", 1000, "top secret")); err != nil {
		t.Fatalf("PutNode() failed: %v", err)
	}

	res, err := env.syncer.Push(ctx, "s1")
	if !errors.Is(err, ErrPasswordRequired) || !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Fatalf("Push() = %v, %v, want ErrPasswordRequired", res, err)
	}
	if n := env.ep.get("s1", "n1"); n != nil {
		t.Errorf("server received %s", n.Element)
	}
	if !env.space(t, "s1").NodesLastPushedAt.IsZero() {
		t.Error("push marker advanced although nothing was sent")
	}

	// Once the password is set the same node goes out as ciphertext.
	pw := "pw"
	if err := env.db.UpdateSpace(ctx, "s1", schema.SpacePatch{Password: &pw}); err != nil {
		t.Fatalf("UpdateSpace() failed: %v", err)
	}
	if _, err := env.syncer.Push(ctx, "s1"); err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	sent := env.ep.get("s1", "n1")
	if sent == nil {
		t.Fatal("node not pushed")
	}
	var ct string
	if err := json.Unmarshal(sent.Element, &ct); err != nil {
		t.Errorf("element = %s, want a ciphertext string", sent.Element)
	}
}

func TestPull_DecryptionFailureWritesNothing(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "pw")
	env.ep.put("s1", encryptedNode(t, "a", "s1", 1000, "fine", "pw"))
	env.ep.put("s1", encryptedNode(t, "b", "s1", 1000, "corrupt", "other"))

	if _, err := env.syncer.Pull(ctx, "s1"); !errors.Is(err, schema.ErrDecryption) {
		t.Fatalf("Pull() = %v, want ErrDecryption", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := env.db.GetNode(ctx, id); !errors.Is(err, schema.ErrNotFound) {
			t.Errorf("node %s stored by a failed pass: %v", id, err)
		}
	}

	// The server repairs b at the same timestamp; the next pass gets both.
	env.ep.mu.Lock()
	env.ep.nodes["s1"]["b"] = encryptedNode(t, "b", "s1", 1000, "repaired", "pw")
	env.ep.mu.Unlock()

	res, err := env.syncer.Pull(ctx, "s1")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	got, err := env.db.GetNode(ctx, "b")
	if err != nil {
		t.Fatalf("GetNode(b) failed: %v", err)
	}
	if got.PlainText() != "repaired" {
		t.Errorf("b text = %q, want repaired", got.PlainText())
	}
}

func TestPull_DecryptionFailureAborts(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "wrong")
	env.ep.put("s1", encryptedNode(t, "n1", "s1", 1000, "secret", "pw"))

	_, err := env.syncer.Pull(ctx, "s1")
	if !errors.Is(err, schema.ErrDecryption) {
		t.Fatalf("Pull() = %v, want ErrDecryption", err)
	}
	if _, err := env.db.GetNode(ctx, "n1"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("node stored despite decryption failure: %v", err)
	}
	if !env.space(t, "s1").NodesLastUpdatedAt.IsZero() {
		t.Error("watermark advanced despite decryption failure")
	}
}

func TestPull_InvalidPlaintextIsDecryptionError(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "pw")

	n := node("n1", "s1", 1000, "x")
	ct, _ := testCipher.Encrypt("not json", "pw")
	n.Element, _ = json.Marshal(ct)
	env.ep.put("s1", n)

	if _, err := env.syncer.Pull(ctx, "s1"); !errors.Is(err, schema.ErrDecryption) {
		t.Errorf("Pull() = %v, want ErrDecryption", err)
	}
}

func TestPull_NetworkFailureKeepsWatermark(t *testing.T) {
	ep := newFakeEndpoint()
	ep.pullErr = schema.ErrNetwork
	env := setupTest(t, ep)
	env.addSpace(t, "s1", false, "")

	_, err := env.syncer.Pull(context.Background(), "s1")
	if !errors.Is(err, schema.ErrNetwork) {
		t.Fatalf("Pull() = %v, want ErrNetwork", err)
	}
	if env.store.spaceWrites.Load() != 0 {
		t.Error("space written after a failed pull")
	}
}

func TestPull_UnboundSpace(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	if err := env.db.CreateSpace(ctx, &schema.Space{ID: "s1", UserID: "user-1", Name: "Local"}); err != nil {
		t.Fatalf("CreateSpace() failed: %v", err)
	}

	if _, err := env.syncer.Pull(ctx, "s1"); !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Errorf("Pull() = %v, want ErrPreconditionFailed", err)
	}
	if _, err := env.syncer.Pull(ctx, "missing"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("Pull(missing) = %v, want ErrNotFound", err)
	}
}

func TestPush_EncryptsAndAdvancesAfterAck(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", true, "pw")
	for _, n := range []*schema.Node{node("a", "s1", 1000, "alpha"), node("b", "s1", 2000, "beta")} {
		if err := env.db.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode() failed: %v", err)
		}
	}

	res, err := env.syncer.Push(ctx, "s1")
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if res.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", res.Pushed)
	}
	if got := schema.Millis(env.space(t, "s1").NodesLastPushedAt); got != 2000 {
		t.Errorf("NodesLastPushedAt = %d, want 2000", got)
	}

	remoteA := env.ep.get("s1", "a")
	var ct string
	if err := json.Unmarshal(remoteA.Element, &ct); err != nil {
		t.Fatalf("remote element is not a ciphertext string: %s", remoteA.Element)
	}
	plain, err := testCipher.Decrypt(ct, "pw")
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if plain != `[{"text":"alpha"}]` {
		t.Errorf("decrypted remote element = %s", plain)
	}

	local, _ := env.db.GetNode(ctx, "a")
	if local.PlainText() != "alpha" {
		t.Errorf("local node altered by push: %s", local.Element)
	}

	res, err = env.syncer.Push(ctx, "s1")
	if err != nil {
		t.Fatalf("second Push() failed: %v", err)
	}
	if res.Pushed != 0 {
		t.Errorf("second Push() sent %d nodes, want 0", res.Pushed)
	}
}

func TestPush_FailureKeepsMarker(t *testing.T) {
	ep := newFakeEndpoint()
	env := setupTest(t, ep)
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")
	if err := env.db.CreateNode(ctx, node("a", "s1", 1000, "a")); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	ep.pushErr = schema.ErrNetwork
	if _, err := env.syncer.Push(ctx, "s1"); !errors.Is(err, schema.ErrNetwork) {
		t.Fatalf("Push() = %v, want ErrNetwork", err)
	}
	if !env.space(t, "s1").NodesLastPushedAt.IsZero() {
		t.Error("push marker advanced without an ack")
	}

	ep.pushErr = nil
	res, err := env.syncer.Push(ctx, "s1")
	if err != nil {
		t.Fatalf("Push() retry failed: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("retry pushed %d nodes, want 1", res.Pushed)
	}
}

func TestSync_TwoDevicesConverge(t *testing.T) {
	ep := newFakeEndpoint()
	a := setupTest(t, ep)
	b := setupTest(t, ep)
	ctx := context.Background()
	a.addSpace(t, "s1", true, "pw")
	b.addSpace(t, "s1", true, "pw")

	if err := a.db.CreateNode(ctx, node("n1", "s1", 1000, "from a")); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	if _, err := a.syncer.Sync(ctx, "s1"); err != nil {
		t.Fatalf("a.Sync() failed: %v", err)
	}
	if _, err := b.syncer.Sync(ctx, "s1"); err != nil {
		t.Fatalf("b.Sync() failed: %v", err)
	}

	got, err := b.db.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("b.GetNode() failed: %v", err)
	}
	if got.PlainText() != "from a" {
		t.Errorf("b sees %q, want %q", got.PlainText(), "from a")
	}

	if err := b.db.UpdateNode(ctx, "n1", node("n1", "s1", 2000, "edited on b")); err != nil {
		t.Fatalf("UpdateNode() failed: %v", err)
	}
	if _, err := b.syncer.Sync(ctx, "s1"); err != nil {
		t.Fatalf("b.Sync() failed: %v", err)
	}
	if _, err := a.syncer.Sync(ctx, "s1"); err != nil {
		t.Fatalf("a.Sync() failed: %v", err)
	}

	got, _ = a.db.GetNode(ctx, "n1")
	if got.PlainText() != "edited on b" {
		t.Errorf("a sees %q, want the later edit", got.PlainText())
	}

	nodesA, _ := a.db.ListNodesBySpace(ctx, "s1")
	nodesB, _ := b.db.ListNodesBySpace(ctx, "s1")
	if diff := cmp.Diff(nodesA, nodesB); diff != "" {
		t.Errorf("devices diverged (-a +b):\n%s", diff)
	}
}

func TestSpaceLocks_SerializeSameSpace(t *testing.T) {
	ep := newFakeEndpoint()
	ep.entered = make(chan string, 2)
	ep.release = make(chan struct{})
	env := setupTest(t, ep)
	env.addSpace(t, "s1", false, "")
	env.addSpace(t, "s2", false, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := env.syncer.Pull(ctx, id); err != nil {
				t.Errorf("Pull(%s) failed: %v", id, err)
			}
		}(id)
	}

	// One pass per space may be inside the endpoint at once.
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-ep.entered:
			seen[id]++
		case <-ctx.Done():
			t.Fatal("timed out waiting for concurrent pulls")
		}
	}
	select {
	case id := <-ep.entered:
		t.Fatalf("third pull for %s entered while the first s1 pull was held", id)
	case <-time.After(100 * time.Millisecond):
	}
	if seen["s1"] != 1 || seen["s2"] != 1 {
		t.Errorf("entered = %v, want one pull per space", seen)
	}

	close(ep.release)
	<-ep.entered
	wg.Wait()
}

func TestSyncAll(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "s1", false, "")
	env.addSpace(t, "s2", true, "pw")
	if err := env.db.CreateSpace(ctx, &schema.Space{ID: "local-only", UserID: "user-1", Name: "Local"}); err != nil {
		t.Fatalf("CreateSpace() failed: %v", err)
	}
	env.ep.put("s1", node("n1", "s1", 1000, "one"))
	env.ep.put("s2", encryptedNode(t, "n2", "s2", 1000, "two", "pw"))

	results, err := env.syncer.SyncAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SyncAll() returned %d results, want 2 (unbound space skipped)", len(results))
	}
	for _, id := range []string{"n1", "n2"} {
		if _, err := env.db.GetNode(ctx, id); err != nil {
			t.Errorf("GetNode(%s) after SyncAll failed: %v", id, err)
		}
	}
}

func TestSyncAll_ReportsPerSpaceFailures(t *testing.T) {
	env := setupTest(t, newFakeEndpoint())
	ctx := context.Background()
	env.addSpace(t, "good", false, "")
	env.addSpace(t, "bad", true, "wrong")
	env.ep.put("good", node("n1", "good", 1000, "one"))
	env.ep.put("bad", encryptedNode(t, "n2", "bad", 1000, "two", "pw"))

	results, err := env.syncer.SyncAll(ctx, "user-1")
	if !errors.Is(err, schema.ErrDecryption) {
		t.Errorf("SyncAll() error = %v, want ErrDecryption", err)
	}
	if len(results) != 1 || results[0].SpaceID != "good" {
		t.Errorf("SyncAll() results = %+v, want only the good space", results)
	}
}
