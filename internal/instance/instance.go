// Package instance resolves which project and transaction an invocation
// belongs to when several agent processes share a machine. Resolution walks
// a fixed priority chain and never guesses from the working directory.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/cascade/internal/store"
)

var (
	// ErrNotFound is returned when no link of the chain resolves.
	ErrNotFound = errors.New("no project context for this invocation")
	// ErrNoIdentity is returned when an invocation carries neither an
	// instance id nor a terminal.
	ErrNoIdentity = errors.New("invocation has no instance identity")
	// ErrNotOrphaned is returned when adopting a transaction whose owner
	// still resolves.
	ErrNotOrphaned = errors.New("transaction owner is still registered")
	// ErrNoSnapshot is returned by Resume when nothing was snapshotted.
	ErrNoSnapshot = errors.New("no snapshot for this instance")
)

const (
	txPrefix       = "tx/"
	instancePrefix = "instance/"
	ttyPrefix      = "tty/"
	snapshotPrefix = "snapshot/"
)

// Invocation is the identity a caller presents. Every field is optional;
// the resolver only uses what is given.
type Invocation struct {
	TransactionID string `json:"transaction_id,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	TTY           string `json:"tty,omitempty"`
}

// Identity returns the key naming the invocation: its instance id, or its
// terminal when it has no instance id.
func (inv Invocation) Identity() (string, error) {
	switch {
	case inv.InstanceID != "":
		return "instance:" + inv.InstanceID, nil
	case inv.TTY != "":
		return "tty:" + inv.TTY, nil
	}
	return "", ErrNoIdentity
}

// Owns reports whether inv holds tx. A transaction opened with an instance
// id belongs to that id; one opened from a bare terminal belongs to that
// terminal. A transaction with no recorded owner belongs to nobody.
func (inv Invocation) Owns(tx store.Transaction) bool {
	switch {
	case tx.InstanceID != "":
		return inv.InstanceID == tx.InstanceID
	case tx.TTY != "":
		return inv.TTY == tx.TTY
	}
	return false
}

// OwnerOf names the identity holding tx, or "" if none was recorded.
func OwnerOf(tx store.Transaction) string {
	id, _ := Invocation{InstanceID: tx.InstanceID, TTY: tx.TTY}.Identity()
	return id
}

// Link names the chain link that resolved a context.
type Link string

const (
	LinkTransaction Link = "transaction"
	LinkInstance    Link = "instance"
	LinkTTY         Link = "tty"
)

// ProjectContext is what an invocation resolves to.
type ProjectContext struct {
	ProjectRoot   string `json:"project_root" yaml:"project_root"`
	SessionID     string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	InstanceID    string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	TTY           string `json:"tty,omitempty" yaml:"tty,omitempty"`
	TransactionID string `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
	ResolvedBy    Link   `json:"-" yaml:"resolved_by,omitempty"`
}

// Snapshot is written immediately before the agent host compacts its
// context.
type Snapshot struct {
	Context       ProjectContext `json:"context" yaml:"context"`
	TransactionID string         `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
	Phase         store.Phase    `json:"phase,omitempty" yaml:"phase,omitempty"`
	Note          string         `json:"note,omitempty" yaml:"note,omitempty"`
	TakenAt       time.Time      `json:"taken_at" yaml:"taken_at"`
}

// Resolver reads and writes the marker store.
type Resolver struct {
	markers *store.Markers
	logger  *log.Logger
}

type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a resolver over markers.
func New(markers *store.Markers, opts ...Option) *Resolver {
	r := &Resolver{markers: markers, logger: log.New(io.Discard)}
	for _, o := range opts {
		o(r)
	}
	return r
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (ProjectContext, store.Marker, bool, error) {
	mk, err := r.markers.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ProjectContext{}, store.Marker{}, false, nil
	}
	if err != nil {
		return ProjectContext{}, store.Marker{}, false, err
	}
	var pc ProjectContext
	if err := json.Unmarshal([]byte(mk.Value), &pc); err != nil {
		return ProjectContext{}, store.Marker{}, false, fmt.Errorf("instance: decode %s: %w", key, err)
	}
	return pc, mk, true, nil
}

// Register records the context for the invocation's instance id and
// terminal.
func (r *Resolver) Register(ctx context.Context, inv Invocation, pc ProjectContext) error {
	if inv.InstanceID == "" && inv.TTY == "" {
		return ErrNoIdentity
	}
	if strings.TrimSpace(pc.ProjectRoot) == "" {
		return fmt.Errorf("instance: project root is required")
	}
	pc.InstanceID = inv.InstanceID
	pc.TTY = inv.TTY
	pc.ResolvedBy = ""
	val, err := encode(pc)
	if err != nil {
		return err
	}
	if inv.InstanceID != "" {
		if _, err := r.markers.Set(ctx, instancePrefix+inv.InstanceID, val); err != nil {
			return err
		}
	}
	if inv.TTY != "" {
		if _, err := r.markers.Set(ctx, ttyPrefix+inv.TTY, val); err != nil {
			return err
		}
	}
	r.logger.Debug("instance registered", "instance", inv.InstanceID, "tty", inv.TTY, "project", pc.ProjectRoot)
	return nil
}

// Bind records that txID lives in pc. A transaction is bound once.
func (r *Resolver) Bind(ctx context.Context, txID string, pc ProjectContext) error {
	pc.TransactionID = txID
	pc.ResolvedBy = ""
	val, err := encode(pc)
	if err != nil {
		return err
	}
	if _, err := r.markers.Put(ctx, txPrefix+txID, val); err != nil {
		return err
	}
	return r.setCurrent(ctx, pc.InstanceID, txID)
}

// Unbind removes the transaction marker and clears it from its owner.
func (r *Resolver) Unbind(ctx context.Context, txID string) error {
	pc, mk, ok, err := r.lookup(ctx, txPrefix+txID)
	if err != nil || !ok {
		return err
	}
	if err := r.markers.Delete(ctx, mk.Key, mk.Version); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return r.clearCurrent(ctx, pc.InstanceID, txID)
}

func (r *Resolver) setCurrent(ctx context.Context, instanceID, txID string) error {
	if instanceID == "" {
		return nil
	}
	pc, mk, ok, err := r.lookup(ctx, instancePrefix+instanceID)
	if err != nil || !ok {
		return err
	}
	pc.TransactionID = txID
	val, err := encode(pc)
	if err != nil {
		return err
	}
	_, err = r.markers.CompareAndSwap(ctx, mk.Key, mk.Version, val)
	return err
}

func (r *Resolver) clearCurrent(ctx context.Context, instanceID, txID string) error {
	if instanceID == "" {
		return nil
	}
	pc, _, ok, err := r.lookup(ctx, instancePrefix+instanceID)
	if err != nil || !ok || pc.TransactionID != txID {
		return err
	}
	return r.setCurrent(ctx, instanceID, "")
}

// Resolve walks the chain: the invocation's transaction, then its instance
// id, then its terminal. Nothing else is consulted.
func (r *Resolver) Resolve(ctx context.Context, inv Invocation) (ProjectContext, error) {
	chain := []struct {
		link Link
		key  string
	}{
		{LinkTransaction, inv.TransactionID},
		{LinkInstance, inv.InstanceID},
		{LinkTTY, inv.TTY},
	}
	prefixes := map[Link]string{LinkTransaction: txPrefix, LinkInstance: instancePrefix, LinkTTY: ttyPrefix}
	for _, c := range chain {
		if c.key == "" {
			continue
		}
		pc, _, ok, err := r.lookup(ctx, prefixes[c.link]+c.key)
		if err != nil {
			return ProjectContext{}, err
		}
		if ok {
			pc.ResolvedBy = c.link
			return pc, nil
		}
	}
	return ProjectContext{}, ErrNotFound
}

// Owner returns the instance bound to txID, or "" if the transaction has no
// marker.
func (r *Resolver) Owner(ctx context.Context, txID string) (string, error) {
	pc, _, ok, err := r.lookup(ctx, txPrefix+txID)
	if err != nil || !ok {
		return "", err
	}
	return pc.InstanceID, nil
}

// Bound reports whether txID has a transaction marker.
func (r *Resolver) Bound(ctx context.Context, txID string) (bool, error) {
	_, _, ok, err := r.lookup(ctx, txPrefix+txID)
	return ok, err
}

// Alive reports whether the owner of tx is still registered: its instance
// id, or its terminal for a transaction opened without one.
func (r *Resolver) Alive(ctx context.Context, tx store.Transaction) (bool, error) {
	var key string
	switch {
	case tx.InstanceID != "":
		key = instancePrefix + tx.InstanceID
	case tx.TTY != "":
		key = ttyPrefix + tx.TTY
	default:
		return false, nil
	}
	_, _, ok, err := r.lookup(ctx, key)
	return ok, err
}

// Forget removes the instance and terminal markers, as when a terminal
// closes. Transactions the instance owned become orphans.
func (r *Resolver) Forget(ctx context.Context, inv Invocation) error {
	for _, key := range []string{instancePrefix + inv.InstanceID, ttyPrefix + inv.TTY} {
		if key == instancePrefix || key == ttyPrefix {
			continue
		}
		mk, err := r.markers.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := r.markers.Delete(ctx, key, mk.Version); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Snapshot persists s for the invocation's identity, replacing any earlier
// snapshot.
func (r *Resolver) Snapshot(ctx context.Context, inv Invocation, s Snapshot) error {
	id, err := inv.Identity()
	if err != nil {
		return err
	}
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.markers.Set(ctx, snapshotPrefix+id, string(val))
	return err
}

// LoadSnapshot returns the invocation's snapshot without consuming it.
func (r *Resolver) LoadSnapshot(ctx context.Context, inv Invocation) (Snapshot, error) {
	s, _, err := r.loadSnapshot(ctx, inv)
	return s, err
}

func (r *Resolver) loadSnapshot(ctx context.Context, inv Invocation) (Snapshot, store.Marker, error) {
	id, err := inv.Identity()
	if err != nil {
		return Snapshot{}, store.Marker{}, err
	}
	mk, err := r.markers.Get(ctx, snapshotPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, store.Marker{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, store.Marker{}, err
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(mk.Value), &s); err != nil {
		return Snapshot{}, store.Marker{}, fmt.Errorf("instance: decode snapshot: %w", err)
	}
	return s, mk, nil
}

// Resumed is the outcome of Resume.
type Resumed struct {
	Snapshot    Snapshot           `json:"snapshot" yaml:"snapshot"`
	Transaction *store.Transaction `json:"transaction,omitempty" yaml:"transaction,omitempty"`
}

// Resume consumes the invocation's snapshot. When the snapshotted
// transaction is still open in db it is resumed under the same id and the
// persisted copy is returned; the instance is re-registered either way.
func (r *Resolver) Resume(ctx context.Context, inv Invocation, db *store.DB) (Resumed, error) {
	s, mk, err := r.loadSnapshot(ctx, inv)
	if err != nil {
		return Resumed{}, err
	}
	out := Resumed{Snapshot: s}

	pc := s.Context
	pc.TransactionID = ""
	if s.TransactionID != "" {
		tx, err := db.GetTransaction(ctx, s.TransactionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return Resumed{}, err
		case tx.IsOpen():
			out.Transaction = &tx
			pc.TransactionID = tx.ID
		}
	}
	if err := r.Register(ctx, inv, pc); err != nil {
		return Resumed{}, err
	}
	if err := r.markers.Delete(ctx, mk.Key, mk.Version); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Resumed{}, err
	}
	r.logger.Info("resumed after compaction", "instance", inv.InstanceID, "transaction", pc.TransactionID)
	return out, nil
}

// Orphan is an open transaction whose owner no longer resolves.
type Orphan struct {
	Transaction store.Transaction `json:"transaction" yaml:"transaction"`
	Owner       string            `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// Orphans lists open transactions in db whose owning instance is no longer
// registered.
func (r *Resolver) Orphans(ctx context.Context, db *store.DB) ([]Orphan, error) {
	txs, err := db.ListTransactions(ctx, store.TxOpen)
	if err != nil {
		return nil, err
	}
	var out []Orphan
	for _, tx := range txs {
		alive, err := r.Alive(ctx, tx)
		if err != nil {
			return nil, err
		}
		if !alive {
			out = append(out, Orphan{Transaction: tx, Owner: OwnerOf(tx)})
		}
	}
	return out, nil
}

// IsOrphan reports whether tx's owner no longer resolves.
func (r *Resolver) IsOrphan(ctx context.Context, tx store.Transaction) (bool, error) {
	alive, err := r.Alive(ctx, tx)
	return !alive, err
}

// Adopt moves an orphaned transaction to the invoking instance. The
// transaction marker is swapped first, so of two concurrent adopters only
// one proceeds; the transaction row is then updated under its version.
func (r *Resolver) Adopt(ctx context.Context, inv Invocation, db *store.DB, txID string) (store.Transaction, error) {
	me, err := inv.Identity()
	if err != nil {
		return store.Transaction{}, err
	}
	tx, err := db.GetTransaction(ctx, txID)
	if err != nil {
		return store.Transaction{}, err
	}
	if !tx.IsOpen() {
		return store.Transaction{}, fmt.Errorf("transaction %s is closed", txID)
	}
	if inv.Owns(tx) {
		return tx, nil
	}
	orphan, err := r.IsOrphan(ctx, tx)
	if err != nil {
		return store.Transaction{}, err
	}
	if !orphan {
		return store.Transaction{}, fmt.Errorf("transaction %s owned by %s: %w", txID, OwnerOf(tx), ErrNotOrphaned)
	}

	self, err := r.Resolve(ctx, Invocation{InstanceID: inv.InstanceID, TTY: inv.TTY})
	if err != nil {
		return store.Transaction{}, fmt.Errorf("%s: %w", me, err)
	}
	val, err := encode(ProjectContext{
		ProjectRoot:   self.ProjectRoot,
		SessionID:     tx.SessionID,
		InstanceID:    inv.InstanceID,
		TTY:           inv.TTY,
		TransactionID: tx.ID,
	})
	if err != nil {
		return store.Transaction{}, err
	}
	cur, mk, bound, err := r.lookup(ctx, txPrefix+txID)
	switch {
	case err != nil:
	case !bound:
		_, err = r.markers.Put(ctx, txPrefix+txID, val)
		if errors.Is(err, store.ErrDuplicate) {
			err = fmt.Errorf("transaction %s adopted concurrently: %w", txID, store.ErrConflict)
		}
	case cur.InstanceID != tx.InstanceID || cur.TTY != tx.TTY:
		err = fmt.Errorf("transaction %s adopted concurrently: %w", txID, store.ErrConflict)
	default:
		_, err = r.markers.CompareAndSwap(ctx, mk.Key, mk.Version, val)
	}
	if err != nil {
		return store.Transaction{}, err
	}

	prev := OwnerOf(tx)
	tx.InstanceID = inv.InstanceID
	tx.TTY = inv.TTY
	tx, err = db.UpdateTransaction(ctx, tx)
	if err != nil {
		return store.Transaction{}, err
	}
	if err := r.setCurrent(ctx, inv.InstanceID, tx.ID); err != nil {
		return store.Transaction{}, err
	}
	r.logger.Info("transaction adopted", "transaction", tx.ID, "from", prev, "to", OwnerOf(tx))
	return tx, nil
}
