package router

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/session"
)

// mockSession records lifecycle signals.
type mockSession struct {
	name          string
	idle          time.Duration
	associated    []cid.ID
	disassociated []cid.ID
}

func (m *mockSession) ReceivePacket(session.Endpoint, *session.Packet) error { return nil }
func (m *mockSession) Settings() session.Settings {
	return session.Settings{IdleTimeout: m.idle}
}
func (m *mockSession) OnAssociated(id cid.ID)    { m.associated = append(m.associated, id) }
func (m *mockSession) OnDisassociated(id cid.ID) { m.disassociated = append(m.disassociated, id) }

func id(b ...byte) cid.ID {
	return cid.MustFromBytes(b)
}

func TestAddSession_Resolve(t *testing.T) {
	r := New()
	s := &mockSession{name: "a"}

	if err := r.AddSession(id(1), s); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	got, ok := r.Resolve(id(1))
	if !ok || got != s {
		t.Errorf("Resolve() = %v, %v; want session a", got, ok)
	}
	if _, ok := r.Resolve(id(2)); ok {
		t.Error("Resolve() of unknown ID should fail")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if len(s.associated) != 1 || s.associated[0] != id(1) {
		t.Errorf("associated = %v, want [01]", s.associated)
	}
}

func TestAddSession_Duplicate(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}
	b := &mockSession{name: "b"}

	if err := r.AddSession(id(1), a); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	if err := r.AssociateAlias(id(2), a); err != nil {
		t.Fatalf("AssociateAlias() error = %v", err)
	}

	tests := []struct {
		name string
		cid  cid.ID
	}{
		{"primary of other session", id(1)},
		{"alias of other session", id(2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.AddSession(tc.cid, b); !errors.Is(err, ErrDuplicateIdentifier) {
				t.Errorf("AddSession() error = %v, want ErrDuplicateIdentifier", err)
			}
			got, _ := r.Resolve(tc.cid)
			if got != a {
				t.Error("failed AddSession must not change routing")
			}
		})
	}
}

func TestAddSession_SameSessionIdempotent(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}

	for i := 0; i < 3; i++ {
		if err := r.AddSession(id(1), a); err != nil {
			t.Fatalf("AddSession() attempt %d error = %v", i, err)
		}
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if len(a.associated) != 1 {
		t.Errorf("OnAssociated fired %d times, want 1", len(a.associated))
	}
}

func TestAddSession_SameSessionOtherID(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}

	if err := r.AddSession(id(1), a); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	if err := r.AssociateAlias(id(2), a); err != nil {
		t.Fatalf("AssociateAlias() error = %v", err)
	}

	if err := r.AddSession(id(3), a); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("AddSession(new id) error = %v, want ErrAlreadyRegistered", err)
	}
	if err := r.AddSession(id(2), a); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("AddSession(alias) error = %v, want ErrAlreadyRegistered", err)
	}
	if _, ok := r.Resolve(id(3)); ok {
		t.Error("rejected ID must not route")
	}
}

func TestAssociateAlias(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}
	b := &mockSession{name: "b"}

	if err := r.AssociateAlias(id(9), a); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("AssociateAlias() on unknown session error = %v, want ErrUnknownSession", err)
	}
	if _, ok := r.Resolve(id(9)); ok {
		t.Error("failed alias must not route")
	}

	r.AddSession(id(1), a)
	r.AddSession(id(2), b)

	if err := r.AssociateAlias(id(10), a); err != nil {
		t.Fatalf("AssociateAlias() error = %v", err)
	}
	got, ok := r.Resolve(id(10))
	if !ok || got != a {
		t.Error("alias should resolve to session a")
	}

	// Same alias again is a no-op.
	if err := r.AssociateAlias(id(10), a); err != nil {
		t.Errorf("repeat AssociateAlias() error = %v", err)
	}
	if r.AliasCount() != 1 {
		t.Errorf("AliasCount() = %d, want 1", r.AliasCount())
	}

	if err := r.AssociateAlias(id(10), b); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("alias collision error = %v, want ErrDuplicateIdentifier", err)
	}
	if err := r.AssociateAlias(id(1), b); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Errorf("alias onto other primary error = %v, want ErrDuplicateIdentifier", err)
	}
	if err := r.AssociateAlias(id(1), a); err != nil {
		t.Errorf("aliasing own primary error = %v, want nil", err)
	}
}

func TestDisassociateAlias(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}
	r.AddSession(id(1), a)
	r.AssociateAlias(id(2), a)
	r.AssociateAlias(id(3), a)

	if !r.DisassociateAlias(id(2)) {
		t.Error("DisassociateAlias() = false, want true")
	}
	if _, ok := r.Resolve(id(2)); ok {
		t.Error("removed alias should not resolve")
	}
	for _, other := range []cid.ID{id(1), id(3)} {
		if got, ok := r.Resolve(other); !ok || got != a {
			t.Errorf("ID %s should still route to a", other)
		}
	}

	if r.DisassociateAlias(id(2)) {
		t.Error("second DisassociateAlias() should report false")
	}
	if r.DisassociateAlias(id(1)) {
		t.Error("DisassociateAlias() must not remove a primary")
	}
	if _, ok := r.Resolve(id(1)); !ok {
		t.Error("primary should survive DisassociateAlias")
	}
	if len(a.disassociated) != 1 || a.disassociated[0] != id(2) {
		t.Errorf("disassociated = %v, want [02]", a.disassociated)
	}
}

func TestRemoveSession_RemovesAllAliases(t *testing.T) {
	for _, via := range []string{"primary", "alias"} {
		t.Run("via "+via, func(t *testing.T) {
			r := New()
			a := &mockSession{name: "a"}
			b := &mockSession{name: "b"}
			r.AddSession(id(1), a)
			r.AssociateAlias(id(2), a)
			r.AssociateAlias(id(3), a)
			r.AddSession(id(4), b)

			key := id(1)
			if via == "alias" {
				key = id(3)
			}
			if got := r.RemoveSession(key); got != a {
				t.Fatalf("RemoveSession() = %v, want a", got)
			}

			for _, gone := range []cid.ID{id(1), id(2), id(3)} {
				if _, ok := r.Resolve(gone); ok {
					t.Errorf("ID %s should not resolve after removal", gone)
				}
			}
			if got, ok := r.Resolve(id(4)); !ok || got != b {
				t.Error("unrelated session should survive")
			}
			if r.AliasCount() != 0 {
				t.Errorf("AliasCount() = %d, want 0", r.AliasCount())
			}
			if len(a.disassociated) != 3 {
				t.Errorf("disassociated %d IDs, want 3", len(a.disassociated))
			}

			// The session can be registered again afterwards.
			if err := r.AddSession(id(2), a); err != nil {
				t.Errorf("re-adding removed session error = %v", err)
			}
		})
	}
}

func TestRemoveSession_Unknown(t *testing.T) {
	r := New()
	if got := r.RemoveSession(id(7)); got != nil {
		t.Errorf("RemoveSession() = %v, want nil", got)
	}
}

func TestExpired(t *testing.T) {
	r := New()
	base := time.Now()
	r.now = func() time.Time { return base }

	idle := &mockSession{name: "idle", idle: time.Minute}
	busy := &mockSession{name: "busy", idle: time.Minute}
	forever := &mockSession{name: "forever"}
	r.AddSession(id(1), idle)
	r.AddSession(id(2), busy)
	r.AddSession(id(3), forever)
	r.AssociateAlias(id(20), busy)

	// Activity through an alias counts for the session.
	r.Touch(id(20), base.Add(50*time.Second))

	expired := r.Expired(base.Add(70 * time.Second))
	if len(expired) != 1 || expired[0] != id(1) {
		t.Errorf("Expired() = %v, want [01]", expired)
	}

	expired = r.Expired(base.Add(2 * time.Hour))
	if len(expired) != 2 {
		t.Errorf("Expired() = %v, want idle and busy", expired)
	}
}

func TestIDsAndClear(t *testing.T) {
	r := New()
	a := &mockSession{name: "a"}
	b := &mockSession{name: "b"}
	r.AddSession(id(1), a)
	r.AssociateAlias(id(2), a)
	r.AddSession(id(3), b)

	ids := r.IDs(a)
	if len(ids) != 2 || ids[0] != id(1) {
		t.Errorf("IDs() = %v, want primary first then alias", ids)
	}
	if r.IDs(&mockSession{}) != nil {
		t.Error("IDs() of unknown session should be nil")
	}

	r.Clear()
	if r.Len() != 0 || r.AliasCount() != 0 {
		t.Errorf("after Clear: Len=%d AliasCount=%d", r.Len(), r.AliasCount())
	}
	if len(a.disassociated) != 2 || len(b.disassociated) != 1 {
		t.Error("Clear should signal every disassociation")
	}
}

// TestRandomOperations drives random operation sequences against a simple
// model and checks that every ID resolves exactly as the model says.
func TestRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sessions := make([]*mockSession, 6)
	for i := range sessions {
		sessions[i] = &mockSession{name: string(rune('a' + i))}
	}
	ids := make([]cid.ID, 16)
	for i := range ids {
		ids[i] = id(byte(i), 0xee)
	}

	for round := 0; round < 50; round++ {
		r := New()
		model := make(map[cid.ID]*mockSession)
		registered := make(map[*mockSession]bool)
		everAliased := make(map[*mockSession][]cid.ID)

		for step := 0; step < 200; step++ {
			c := ids[rng.Intn(len(ids))]
			s := sessions[rng.Intn(len(sessions))]

			switch rng.Intn(4) {
			case 0:
				err := r.AddSession(c, s)
				owner, taken := model[c]
				switch {
				case taken && owner != s:
					if !errors.Is(err, ErrDuplicateIdentifier) {
						t.Fatalf("AddSession over other session: err = %v", err)
					}
				case err == nil && !taken:
					model[c] = s
					registered[s] = true
					everAliased[s] = append(everAliased[s], c)
				}
			case 1:
				err := r.AssociateAlias(c, s)
				owner, taken := model[c]
				switch {
				case !registered[s]:
					if !errors.Is(err, ErrUnknownSession) {
						t.Fatalf("alias of unregistered session: err = %v", err)
					}
				case taken && owner != s:
					if !errors.Is(err, ErrDuplicateIdentifier) {
						t.Fatalf("alias collision: err = %v", err)
					}
				case err == nil && !taken:
					model[c] = s
					everAliased[s] = append(everAliased[s], c)
				}
			case 2:
				if r.DisassociateAlias(c) {
					delete(model, c)
				}
			case 3:
				removed := r.RemoveSession(c)
				if removed == nil {
					if _, taken := model[c]; taken {
						t.Fatalf("RemoveSession(%s) returned nil for a routed ID", c)
					}
					continue
				}
				rs := removed.(*mockSession)
				for k, v := range model {
					if v == rs {
						delete(model, k)
					}
				}
				delete(registered, rs)
				for _, former := range everAliased[rs] {
					if _, ok := r.Resolve(former); ok {
						if model[former] == nil {
							t.Fatalf("stale route for %s after RemoveSession", former)
						}
					}
				}
				everAliased[rs] = nil
			}

			for _, c := range ids {
				got, ok := r.Resolve(c)
				want, wantOK := model[c]
				if ok != wantOK || (ok && got.(*mockSession) != want) {
					t.Fatalf("round %d step %d: Resolve(%s) = %v/%v, model %v/%v",
						round, step, c, got, ok, want, wantOK)
				}
			}
		}
	}
}
