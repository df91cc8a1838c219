package proxy

import (
	"context"
	"errors"
	"testing"

	"attendguard/internal/directory"
)

func newGate() (*Gate, *Memory) {
	dir := directory.NewMemory(
		directory.User{ID: "fac-1", Role: directory.RoleFaculty, Active: true},
		directory.User{ID: "adm-1", Role: directory.RoleAdmin, Active: true},
		directory.User{ID: "fac-gone", Role: directory.RoleFaculty, Active: false},
		directory.User{ID: "stu-1", Role: directory.RoleStudent, Active: true},
		directory.User{ID: "stu-2", Role: directory.RoleStudent, Active: true},
	)
	perms := NewMemory()
	return NewGate(perms, dir, nil, nil), perms
}

func TestAuthorize(t *testing.T) {
	g, _ := newGate()
	ctx := context.Background()
	if _, err := g.SetPermission(ctx, directory.Actor{ID: "stu-2", Role: directory.RoleStudent}, "stu-2", true); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name          string
		proxy, target string
		reason        string
		want          error
	}{
		{"faculty for opted-in student", "fac-1", "stu-2", "field trip", nil},
		{"admin for opted-in student", "adm-1", "stu-2", "medical", nil},
		{"missing reason", "fac-1", "stu-2", "  ", ErrMissingReason},
		{"student cannot certify", "stu-1", "stu-2", "friend", ErrProxyRoleInsufficient},
		{"inactive faculty", "fac-gone", "stu-2", "trip", ErrProxyRoleInsufficient},
		{"unknown actor", "nobody", "stu-2", "trip", ErrProxyRoleInsufficient},
		{"target defaults to no opt-in", "fac-1", "stu-1", "trip", ErrProxyNotPermittedByTarget},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := g.Authorize(ctx, c.proxy, c.target, c.reason)
			if !errors.Is(err, c.want) {
				t.Fatalf("err=%v want %v", err, c.want)
			}
		})
	}
}

func TestSetPermission_OnlySelfOrAdmin(t *testing.T) {
	g, perms := newGate()
	ctx := context.Background()

	if _, err := g.SetPermission(ctx, directory.Actor{ID: "fac-1", Role: directory.RoleFaculty}, "stu-1", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err=%v want ErrForbidden", err)
	}
	if _, ok, _ := perms.GetPermission(ctx, "stu-1"); ok {
		t.Fatalf("forbidden write persisted")
	}
	p, err := g.SetPermission(ctx, directory.Actor{ID: "adm-1", Role: directory.RoleAdmin}, "stu-1", true)
	if err != nil || !p.AllowProxyAttendance || p.UpdatedBy != "adm-1" {
		t.Fatalf("admin set: %+v %v", p, err)
	}
	if _, err := g.SetPermission(ctx, directory.Actor{ID: "stu-1", Role: directory.RoleStudent}, "stu-1", false); err != nil {
		t.Fatal(err)
	}
	if err := g.Authorize(ctx, "fac-1", "stu-1", "trip"); !errors.Is(err, ErrProxyNotPermittedByTarget) {
		t.Fatalf("opt-out not honoured: %v", err)
	}
}
