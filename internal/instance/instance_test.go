package instance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/cascade/internal/store"
)

type fixture struct {
	r    *Resolver
	db   *store.DB
	root string
}

func setup(t *testing.T) fixture {
	t.Helper()
	m, err := store.OpenMarkers(filepath.Join(t.TempDir(), "instances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	root := t.TempDir()
	db, err := store.OpenProject(root)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateSession(context.Background(), store.Session{ID: "s1", AgentID: "a", StartedAt: time.Now()}))
	return fixture{r: New(m), db: db, root: root}
}

func (f fixture) openTx(t *testing.T, id, owner string) store.Transaction {
	t.Helper()
	tx, err := f.db.CreateTransaction(context.Background(), store.Transaction{ID: id, SessionID: "s1", Scope: id, InstanceID: owner})
	require.NoError(t, err)
	return tx
}

func TestResolve_NotFoundWithoutChain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.r.Resolve(ctx, Invocation{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.r.Resolve(ctx, Invocation{TransactionID: "nope", InstanceID: "ghost", TTY: "/dev/pts/9"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_PriorityChain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.r.Register(ctx, Invocation{TTY: "/dev/pts/1"}, ProjectContext{ProjectRoot: "/work/tty"}))
	require.NoError(t, f.r.Register(ctx, Invocation{InstanceID: "pane-1"}, ProjectContext{ProjectRoot: "/work/instance", SessionID: "s1"}))
	require.NoError(t, f.r.Bind(ctx, "tx-1", ProjectContext{ProjectRoot: "/work/tx", SessionID: "s1", InstanceID: "pane-1"}))

	pc, err := f.r.Resolve(ctx, Invocation{TransactionID: "tx-1", InstanceID: "pane-1", TTY: "/dev/pts/1"})
	require.NoError(t, err)
	assert.Equal(t, LinkTransaction, pc.ResolvedBy)
	assert.Equal(t, "/work/tx", pc.ProjectRoot)

	pc, err = f.r.Resolve(ctx, Invocation{InstanceID: "pane-1", TTY: "/dev/pts/1"})
	require.NoError(t, err)
	assert.Equal(t, LinkInstance, pc.ResolvedBy)
	assert.Equal(t, "/work/instance", pc.ProjectRoot)
	assert.Equal(t, "tx-1", pc.TransactionID, "binding records the current transaction")

	pc, err = f.r.Resolve(ctx, Invocation{InstanceID: "other", TTY: "/dev/pts/1"})
	require.NoError(t, err)
	assert.Equal(t, LinkTTY, pc.ResolvedBy)
	assert.Equal(t, "/work/tty", pc.ProjectRoot)
}

func TestRegister_RequiresIdentityAndRoot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.r.Register(ctx, Invocation{}, ProjectContext{ProjectRoot: "/x"}), ErrNoIdentity)
	assert.Error(t, f.r.Register(ctx, Invocation{InstanceID: "p"}, ProjectContext{}))
}

func TestBind_Once(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.r.Bind(ctx, "tx-1", ProjectContext{ProjectRoot: "/a"}))
	assert.ErrorIs(t, f.r.Bind(ctx, "tx-1", ProjectContext{ProjectRoot: "/b"}), store.ErrDuplicate)

	require.NoError(t, f.r.Unbind(ctx, "tx-1"))
	_, err := f.r.Resolve(ctx, Invocation{TransactionID: "tx-1"})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, f.r.Unbind(ctx, "tx-1"))
}

func TestSnapshotResume_SameTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := Invocation{InstanceID: "pane-1"}

	require.NoError(t, f.r.Register(ctx, inv, ProjectContext{ProjectRoot: f.root, SessionID: "s1"}))
	tx := f.openTx(t, "tx-1", "pane-1")
	require.NoError(t, f.r.Bind(ctx, tx.ID, ProjectContext{ProjectRoot: f.root, SessionID: "s1", InstanceID: "pane-1"}))

	require.NoError(t, f.r.Snapshot(ctx, inv, Snapshot{
		Context:       ProjectContext{ProjectRoot: f.root, SessionID: "s1"},
		TransactionID: tx.ID,
		Phase:         store.PhaseCheck,
	}))

	// The host compacts; the next invocation carries only its identity.
	snap, err := f.r.LoadSnapshot(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, f.root, snap.Context.ProjectRoot)

	res, err := f.r.Resume(ctx, inv, f.db)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "tx-1", res.Transaction.ID)
	assert.Equal(t, tx.Version, res.Transaction.Version)

	pc, err := f.r.Resolve(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", pc.TransactionID)

	_, err = f.r.Resume(ctx, inv, f.db)
	assert.ErrorIs(t, err, ErrNoSnapshot, "a snapshot is consumed once")
}

func TestResume_ClosedTransactionNotResumed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := Invocation{TTY: "/dev/pts/4"}

	tx := f.openTx(t, "tx-1", "")
	tx.Status = store.TxClosed
	tx.Phase = store.PhaseClosed
	_, err := f.db.UpdateTransaction(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, f.r.Snapshot(ctx, inv, Snapshot{Context: ProjectContext{ProjectRoot: f.root}, TransactionID: "tx-1"}))
	res, err := f.r.Resume(ctx, inv, f.db)
	require.NoError(t, err)
	assert.Nil(t, res.Transaction)

	assert.ErrorIs(t, f.r.Snapshot(ctx, Invocation{}, Snapshot{}), ErrNoIdentity)
}

func TestOrphans_NeverAutoAdopted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := Invocation{InstanceID: "pane-a", TTY: "/dev/pts/1"}
	b := Invocation{InstanceID: "pane-b"}

	require.NoError(t, f.r.Register(ctx, a, ProjectContext{ProjectRoot: f.root, SessionID: "s1"}))
	require.NoError(t, f.r.Register(ctx, b, ProjectContext{ProjectRoot: f.root, SessionID: "s1"}))
	tx := f.openTx(t, "tx-a", "pane-a")
	require.NoError(t, f.r.Bind(ctx, tx.ID, ProjectContext{ProjectRoot: f.root, SessionID: "s1", InstanceID: "pane-a"}))

	orphans, err := f.r.Orphans(ctx, f.db)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	_, err = f.r.Adopt(ctx, b, f.db, tx.ID)
	assert.ErrorIs(t, err, ErrNotOrphaned)

	// Terminal closes.
	require.NoError(t, f.r.Forget(ctx, a))
	_, err = f.r.Resolve(ctx, Invocation{InstanceID: "pane-a", TTY: "/dev/pts/1"})
	assert.ErrorIs(t, err, ErrNotFound)

	orphans, err = f.r.Orphans(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "instance:pane-a", orphans[0].Owner)

	// Resolving b does not pick up the orphan.
	pc, err := f.r.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, pc.TransactionID)

	adopted, err := f.r.Adopt(ctx, b, f.db, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "pane-b", adopted.InstanceID)
	assert.Equal(t, tx.Version+1, adopted.Version)

	owner, err := f.r.Owner(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "pane-b", owner)

	pc, err = f.r.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, pc.TransactionID)

	orphans, err = f.r.Orphans(ctx, f.db)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestOrphans_TerminalOwner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	owner := Invocation{TTY: "/dev/pts/1"}
	require.NoError(t, f.r.Register(ctx, owner, ProjectContext{ProjectRoot: f.root, SessionID: "s1"}))
	tx, err := f.db.CreateTransaction(ctx, store.Transaction{ID: "tx-t", SessionID: "s1", Scope: "t", TTY: owner.TTY})
	require.NoError(t, err)

	assert.True(t, owner.Owns(tx))
	assert.False(t, Invocation{InstanceID: "other-pane"}.Owns(tx))
	assert.False(t, Invocation{TTY: "/dev/pts/2"}.Owns(tx))
	assert.False(t, owner.Owns(store.Transaction{ID: "legacy"}), "a transaction without an owner belongs to nobody")

	orphans, err := f.r.Orphans(ctx, f.db)
	require.NoError(t, err)
	assert.Empty(t, orphans, "a registered terminal keeps its transaction")

	_, err = f.r.Adopt(ctx, Invocation{InstanceID: "other-pane"}, f.db, tx.ID)
	assert.ErrorIs(t, err, ErrNotOrphaned)

	require.NoError(t, f.r.Forget(ctx, owner))
	orphans, err = f.r.Orphans(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "tty:/dev/pts/1", orphans[0].Owner)
}

func TestAdopt_ConcurrentAdoptersOneWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := f.openTx(t, "tx-x", "gone")
	require.NoError(t, f.r.Bind(ctx, tx.ID, ProjectContext{ProjectRoot: f.root, SessionID: "s1", InstanceID: "gone"}))

	const n = 4
	for i := 0; i < n; i++ {
		require.NoError(t, f.r.Register(ctx, Invocation{InstanceID: string(rune('a' + i))}, ProjectContext{ProjectRoot: f.root}))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.r.Adopt(ctx, Invocation{InstanceID: id}, f.db, tx.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := f.db.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	owner, err := f.r.Owner(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, got.InstanceID, owner)
}

func TestAdopt_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.r.Adopt(ctx, Invocation{}, f.db, "tx")
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = f.r.Adopt(ctx, Invocation{InstanceID: "p"}, f.db, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	tx := f.openTx(t, "tx-1", "gone")
	_, err = f.r.Adopt(ctx, Invocation{InstanceID: "unregistered"}, f.db, tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
