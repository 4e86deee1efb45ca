// Package registry is the on-disk record of which identity currently claims
// a PID. Each identity owns one lock file, <dir>/<identity>.pid, whose
// existence is the authoritative claim; the PID written inside is advisory.
// A file left behind by an unclean shutdown is the stale case the prober
// detects.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/process"
)

// Ext is the lock file extension.
const Ext = ".pid"

// PendingGrace is how long an empty lock file counts as a claim in
// progress.
const PendingGrace = time.Minute

var (
	ErrAlreadyLocked = errors.New("registry: identity already locked")
	ErrMissing       = errors.New("registry: pid file missing")
	ErrInvalid       = errors.New("registry: pid file invalid")
)

// Entry is the parsed contents of one lock file. Claimant is set on a
// claim whose PID has not been written yet.
type Entry struct {
	Identity      identity.Identity
	Path          string
	PID           int
	StartUnix     int64
	Claimant      int
	ClaimantStart int64
	ModTime       time.Time

	claim string
	empty bool
}

// Registry manages lock files in a single directory.
type Registry struct {
	dir string
}

// New returns a registry rooted at dir, creating it if needed.
func New(dir string) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("registry: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", dir, err)
	}
	return &Registry{dir: dir}, nil
}

// Dir returns the lock directory.
func (r *Registry) Dir() string { return r.dir }

// Path returns the lock file path for id.
func (r *Registry) Path(id identity.Identity) string {
	return filepath.Join(r.dir, id.String()+Ext)
}

// Lock is a held claim on an identity.
type Lock struct {
	r     *Registry
	id    identity.Identity
	token string
	pid   int
}

// Identity returns the claimed identity.
func (l *Lock) Identity() identity.Identity { return l.id }

// owns reports whether the lock file is still this lock's: the pending
// claim it created or the PID it wrote.
func (l *Lock) owns() (bool, error) {
	e, err := l.r.ReadPID(l.id)
	switch {
	case err == nil:
		return l.pid != 0 && e.PID == l.pid, nil
	case errors.Is(err, ErrInvalid):
		return e.claim == l.token, nil
	case errors.Is(err, ErrMissing):
		return false, nil
	default:
		return false, err
	}
}

// WritePID records pid in the claimed lock file. It fails with
// ErrAlreadyLocked when the file no longer belongs to this lock.
func (l *Lock) WritePID(pid int) error {
	ok, err := l.owns()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: claim on %s lost", ErrAlreadyLocked, l.id)
	}
	if err := l.r.WritePID(l.id, pid); err != nil {
		return err
	}
	l.pid = pid
	return nil
}

// Release removes the lock file if it still belongs to this lock. A file
// taken over by someone else is left alone.
func (l *Lock) Release() error {
	ok, err := l.owns()
	if err != nil || !ok {
		return err
	}
	return l.r.Release(l.id)
}

// Claim atomically creates the lock file for id. Until a PID is written the
// file records the claiming process, so the claim is not mistaken for a
// leftover. A second claim while the file exists fails with
// ErrAlreadyLocked.
func (r *Registry) Claim(id identity.Identity) (*Lock, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(r.Path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, id)
		}
		return nil, fmt.Errorf("registry: claim %s: %w", id, err)
	}
	self := os.Getpid()
	lock := &Lock{r: r, id: id, token: uuid.NewString()}
	_, werr := f.Write(encodeClaim(pidMeta{Claimant: self, ClaimantStart: process.StartUnix(self), Claim: lock.token}))
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("registry: claim %s: %w", id, err)
	}
	return lock, nil
}

// Holder describes whoever holds id's lock file, or returns "" when the file
// is absent or left over. A file is held when its PID is alive (and not the
// caller), or when it is a pending claim whose claimant is alive.
func (r *Registry) Holder(id identity.Identity) (string, error) {
	e, err := r.ReadPID(id)
	switch {
	case err == nil:
		if e.PID != os.Getpid() && process.Exists(e.PID) && process.SameStart(e.PID, e.StartUnix) {
			return fmt.Sprintf("held by pid %d", e.PID), nil
		}
		return "", nil
	case errors.Is(err, ErrInvalid):
		if e.Claimant > 0 {
			if process.Exists(e.Claimant) && process.SameStart(e.Claimant, e.ClaimantStart) {
				return fmt.Sprintf("claim pending by pid %d", e.Claimant), nil
			}
			return "", nil
		}
		// created but not yet written
		if e.empty && time.Since(e.ModTime) < PendingGrace {
			return "claim pending", nil
		}
		return "", nil
	case errors.Is(err, ErrMissing):
		return "", nil
	default:
		return "", err
	}
}

// ClaimOwn claims id for the calling process and records its PID. A leftover
// file is cleared and the claim retried once; a live holder or a pending
// claim yields ErrAlreadyLocked.
func (r *Registry) ClaimOwn(id identity.Identity) (*Lock, error) {
	lock, err := r.Claim(id)
	if errors.Is(err, ErrAlreadyLocked) {
		holder, herr := r.Holder(id)
		if herr != nil {
			return nil, herr
		}
		if holder != "" {
			return nil, fmt.Errorf("%w: %s", err, holder)
		}
		if rerr := r.Release(id); rerr != nil {
			return nil, rerr
		}
		lock, err = r.Claim(id)
	}
	if err != nil {
		return nil, err
	}
	if err := lock.WritePID(os.Getpid()); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return lock, nil
}

// WritePID replaces the contents of id's lock file with pid (and its start
// time) using write-then-rename, so readers never see a partial file.
func (r *Registry) WritePID(id identity.Identity, pid int) error {
	tmp, err := os.CreateTemp(r.dir, "."+id.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: write %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encodePIDFile(pid, process.StartUnix(pid))); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry: write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry: write %s: %w", id, err)
	}
	if err := os.Rename(tmpName, r.Path(id)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry: write %s: %w", id, err)
	}
	return nil
}

// ReadPID parses id's lock file. It fails with ErrMissing when there is no
// file and ErrInvalid when the first line is not a positive integer.
func (r *Registry) ReadPID(id identity.Identity) (Entry, error) {
	path := r.Path(id)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrMissing, id)
		}
		return Entry{}, fmt.Errorf("registry: read %s: %w", id, err)
	}
	pid, meta, err := decodePIDFile(b)
	e := Entry{
		Identity:      id,
		Path:          path,
		PID:           pid,
		StartUnix:     meta.StartUnix,
		Claimant:      meta.Claimant,
		ClaimantStart: meta.ClaimantStart,
		claim:         meta.Claim,
		empty:         len(b) == 0,
	}
	if err != nil {
		if fi, serr := os.Stat(path); serr == nil {
			e.ModTime = fi.ModTime()
		}
		return e, err
	}
	return e, nil
}

// Exists reports whether id has a lock file.
func (r *Registry) Exists(id identity.Identity) bool {
	_, err := os.Stat(r.Path(id))
	return err == nil
}

// Release removes id's lock file. Releasing an absent lock is not an error.
func (r *Registry) Release(id identity.Identity) error {
	if err := os.Remove(r.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("registry: release %s: %w", id, err)
	}
	return nil
}

// ReleaseIfOwner removes id's lock file only if it records pid. It reports
// whether the file was removed.
func (r *Registry) ReleaseIfOwner(id identity.Identity, pid int) (bool, error) {
	e, err := r.ReadPID(id)
	if err != nil {
		if errors.Is(err, ErrMissing) {
			return false, nil
		}
		return false, err
	}
	if e.PID != pid {
		return false, nil
	}
	return true, r.Release(id)
}

// List returns every identity with a lock file present, sorted.
func (r *Registry) List() ([]identity.Identity, error) {
	des, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	ids := make([]identity.Identity, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Ext) {
			continue
		}
		id, err := identity.Parse(strings.TrimSuffix(name, Ext))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
