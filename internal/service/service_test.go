package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/thejerf/abtime"
	"golang.org/x/crypto/bcrypt"

	"task-manager/internal/auth"
	"task-manager/internal/domain"
	"task-manager/internal/repository"
	"task-manager/internal/repository/sqlstore"
)

type fixture struct {
	users    UserService
	tasks    TaskService
	userRepo repository.UserRepository
	tokens   *auth.TokenManager
	clock    *abtime.ManualTime
	archive  *fakeArchiver
}

type fakeArchiver struct {
	archived []domain.Task
	err      error
}

func (f *fakeArchiver) ArchiveTask(_ context.Context, task domain.Task) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.archived = append(f.archived, task)
	return "s3://bucket/" + task.ID.String() + ".json", nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	userRepo := sqlstore.NewUserRepository(db)
	taskRepo := sqlstore.NewTaskRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		t.Fatalf("init users: %v", err)
	}
	if err := taskRepo.Init(ctx); err != nil {
		t.Fatalf("init tasks: %v", err)
	}

	clock := abtime.NewManual()
	tokens := auth.NewTokenManager("S3cret0AUsa4EnF1rmaD3Jw7Tok3ns", time.Hour)
	archive := &fakeArchiver{}
	logger := quietLogger()

	return &fixture{
		users:    NewUserService(userRepo, auth.NewBcryptHasher(bcrypt.MinCost, 2), tokens, clock, logger),
		tasks:    NewTaskService(taskRepo, archive, clock, logger),
		userRepo: userRepo,
		tokens:   tokens,
		clock:    clock,
		archive:  archive,
	}
}

// register creates a user and returns its resolved identity.
func (f *fixture) register(t *testing.T, email string) *domain.User {
	t.Helper()
	token, err := f.users.Register(context.Background(), RegisterInput{
		Email:    email,
		Password: "CorrectPass1",
		FullName: "Test user",
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return f.resolve(t, token)
}

func (f *fixture) resolve(t *testing.T, token string) *domain.User {
	t.Helper()
	claims, err := f.tokens.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	user, err := f.users.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return user
}

func TestValidPassword(t *testing.T) {
	t.Parallel()
	for _, test := range []struct {
		in string
		ok bool
	}{
		{"CorrectPass1", true},
		{"Correct!Pass", true},
		{"Abc de", true},
		{"correctpass1", false},
		{"CORRECTPASS1", false},
		{"CorrectPass", false},
		{"Correct_Pass", false},
		{"Abcdéf", true},
		{"Ébcde1", false},
		{"ÀBCDÉF1", false},
	} {
		if got := ValidPassword(test.in); got != test.ok {
			t.Fatalf("ValidPassword(%q) = %v, want %v", test.in, got, test.ok)
		}
	}
}

func TestRegisterRejectsBadPasswordsWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, pw := range []string{"short", "alllowercase1", "ALLUPPER1", "NoDigitsHere", "Ab1", "Aa1" + string(make([]byte, 48))} {
		_, err := f.users.Register(ctx, RegisterInput{Email: "user@test.test", Password: pw, FullName: "Test user"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("password %q: expected ErrValidation, got %v", pw, err)
		}
	}
	if _, err := f.userRepo.GetByEmail(ctx, "user@test.test"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("rejected registration was persisted: %v", err)
	}

	for _, in := range []RegisterInput{
		{Email: "not-an-email", Password: "CorrectPass1", FullName: "x"},
		{Email: "user@test.test", Password: "CorrectPass1"},
	} {
		if _, err := f.users.Register(ctx, in); !errors.Is(err, ErrValidation) {
			t.Fatalf("%+v: expected ErrValidation, got %v", in, err)
		}
	}
}

func TestRegisterRejectsPasswordsLongerThanBcryptAccepts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 50 characters, 97 bytes.
	long := "Aa1" + strings.Repeat("é", 47)
	_, err := f.users.Register(ctx, RegisterInput{Email: "user@test.test", Password: long, FullName: "Test user"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "72 bytes") {
		t.Fatalf("unexpected message %q", err)
	}
	if _, err := f.users.Login(ctx, LoginInput{Email: "user@test.test", Password: long}); !errors.Is(err, ErrValidation) {
		t.Fatalf("login: expected ErrValidation, got %v", err)
	}

	// 72 bytes exactly is still hashed.
	edge := "Aa1" + strings.Repeat("é", 34) + "x"
	if _, err := f.users.Register(ctx, RegisterInput{Email: "edge@test.test", Password: edge, FullName: "Edge"}); err != nil {
		t.Fatalf("72 byte password rejected: %v", err)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.register(t, "user@test.test")
	_, err := f.users.Register(ctx, RegisterInput{Email: "USER@test.test", Password: "OtherPass2", FullName: "Copy"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	stored, err := f.userRepo.GetByEmail(ctx, "user@test.test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.ID != first.ID || stored.FullName != "Test user" {
		t.Fatal("original record was replaced")
	}
}

func TestRegisterNeverExposesHash(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "user@test.test")
	if user.PasswordHash != "" {
		t.Fatal("resolved identity carries the password hash")
	}
	if diff := deep.Equal(user.Roles, domain.DefaultRoles()); diff != nil {
		t.Fatal(diff)
	}
	if !user.IsActive {
		t.Fatal("new users must be active")
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "user@test.test")

	token, err := f.users.Login(ctx, LoginInput{Email: "user@test.test", Password: "CorrectPass1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := f.resolve(t, token); got.ID != user.ID {
		t.Fatal("login token resolves to another user")
	}

	_, wrongPassword := f.users.Login(ctx, LoginInput{Email: "user@test.test", Password: "WrongPass1"})
	_, wrongEmail := f.users.Login(ctx, LoginInput{Email: "nobody@test.test", Password: "CorrectPass1"})
	for _, err := range []error{wrongPassword, wrongEmail} {
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	}
	if wrongPassword.Error() != wrongEmail.Error() {
		t.Fatalf("login failures are distinguishable: %q vs %q", wrongPassword, wrongEmail)
	}

	if _, err := f.users.Login(ctx, LoginInput{Email: "user@test.test", Password: "weak"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed login should fail validation, got %v", err)
	}
}

func TestResolveRejectsInactiveAndMissingUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "user@test.test")

	token, _ := f.tokens.Issue(user.ID)
	claims, err := f.tokens.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	inactive := false
	if _, err := f.users.UpdateUser(ctx, user.ID, UserPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.users.Resolve(ctx, claims); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inactive user resolved: %v", err)
	}

	ghost := &auth.Claims{UserID: uuid.New()}
	if _, err := f.users.Resolve(ctx, ghost); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown user resolved: %v", err)
	}
}

func TestUpdateUserRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "user@test.test")

	got, err := f.users.UpdateUser(ctx, user.ID, UserPatch{Roles: []string{"admin", "user"}})
	if err != nil {
		t.Fatalf("update roles: %v", err)
	}
	if diff := deep.Equal(got.Roles, []domain.Role{domain.RoleAdmin, domain.RoleUser}); diff != nil {
		t.Fatal(diff)
	}

	for _, roles := range [][]string{{"root"}, {}} {
		if _, err := f.users.UpdateUser(ctx, user.ID, UserPatch{Roles: roles}); !errors.Is(err, ErrValidation) {
			t.Fatalf("roles %v: expected ErrValidation, got %v", roles, err)
		}
	}
	if _, err := f.users.UpdateUser(ctx, uuid.New(), UserPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.users.EnsureAdmin(ctx, "admin@admin.adm", "Admin1234")
	if err != nil || !created {
		t.Fatalf("first seed: created=%v err=%v", created, err)
	}
	created, err = f.users.EnsureAdmin(ctx, "admin@admin.adm", "Admin1234")
	if err != nil || created {
		t.Fatalf("second seed: created=%v err=%v", created, err)
	}

	admin, err := f.userRepo.GetByEmail(ctx, "admin@admin.adm")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !admin.HasAnyRole(domain.RoleAdmin) {
		t.Fatal("seeded admin lacks the admin role")
	}
}

func TestTaskOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a@test.test")
	b := f.register(t, "b@test.test")

	task, err := f.tasks.Create(ctx, a, CreateTaskInput{Name: "A task", Description: "owned by a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "stolen"
	if _, err := f.tasks.Update(ctx, task.ID, UpdateTaskInput{Name: &name}, b); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner update: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.tasks.Remove(ctx, task.ID, b); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner delete: expected ErrUnauthorized, got %v", err)
	}

	read, err := f.tasks.FindOne(ctx, task.ID)
	if err != nil {
		t.Fatalf("reads are not owner scoped: %v", err)
	}
	if read.Name != "A task" {
		t.Fatal("task was modified by a non-owner")
	}
	all, err := f.tasks.FindAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("admin listing: %v %d", err, len(all))
	}

	missing := uuid.New()
	if _, err := f.tasks.Update(ctx, missing, UpdateTaskInput{Name: &name}, a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tasks.Remove(ctx, missing, a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchIsScopedToCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a@test.test")
	b := f.register(t, "b@test.test")

	for _, seed := range []struct {
		owner *domain.User
		name  string
		descr string
	}{
		{a, "First task", "for a"},
		{a, "Shopping", "TASK list"},
		{a, "Unrelated", "nothing here"},
		{b, "task of b", "task task"},
	} {
		if _, err := f.tasks.Create(ctx, seed.owner, CreateTaskInput{Name: seed.name, Description: seed.descr}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	found, err := f.tasks.Search(ctx, a, "task")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(found))
	}
	for _, task := range found {
		if task.UserID != a.ID {
			t.Fatal("search returned another user's task")
		}
	}

	mine, err := f.tasks.ListForUser(ctx, b)
	if err != nil || len(mine) != 1 {
		t.Fatalf("list for b: %v %d", err, len(mine))
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a@test.test")

	task, err := f.tasks.Create(ctx, a, CreateTaskInput{Name: "X", Description: "first version"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("one letter names must be rejected, got %v", err)
	}
	task, err = f.tasks.Create(ctx, a, CreateTaskInput{Name: "XX", Description: "first version"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.StartDate == nil || !task.StartDate.Equal(task.CreatedDate) {
		t.Fatal("start date should default to the creation time")
	}
	if task.UpdatedDate != nil {
		t.Fatal("fresh task already has an update time")
	}

	f.clock.Advance(time.Minute)
	name := "YY"
	completed := f.clock.Now().UTC()
	updated, err := f.tasks.Update(ctx, task.ID, UpdateTaskInput{Name: &name, CompletedDate: &completed}, a)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := f.tasks.FindOne(ctx, task.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if diff := deep.Equal(got, updated); diff != nil {
		t.Fatal(diff)
	}
	if got.Name != "YY" || got.Description != "first version" {
		t.Fatalf("partial update wrong: %+v", got)
	}
	if got.UpdatedDate == nil || !got.UpdatedDate.After(got.CreatedDate) {
		t.Fatal("updated date must be after created date")
	}

	short := "Y"
	if _, err := f.tasks.Update(ctx, task.ID, UpdateTaskInput{Name: &short}, a); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRemoveArchivesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a@test.test")

	task, err := f.tasks.Create(ctx, a, CreateTaskInput{Name: "Archive me", Description: "soon gone"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	removed, err := f.tasks.Remove(ctx, task.ID, a)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != task.ID {
		t.Fatal("removed task not returned")
	}
	if len(f.archive.archived) != 1 || f.archive.archived[0].ID != task.ID {
		t.Fatalf("task not archived: %+v", f.archive.archived)
	}
	if _, err := f.tasks.FindOne(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}

	f.archive.err = errors.New("bucket unavailable")
	task, _ = f.tasks.Create(ctx, a, CreateTaskInput{Name: "Second", Description: "also gone"})
	if _, err := f.tasks.Remove(ctx, task.ID, a); err != nil {
		t.Fatalf("archive failure must not fail the delete: %v", err)
	}
}

func TestMiddlewaresPassThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	users := UserInstrumentingMiddleware(discard.NewCounter(), discard.NewHistogram())(f.users)
	tasks := TaskLoggingMiddleware(quietLogger())(
		TaskInstrumentingMiddleware(discard.NewCounter(), discard.NewHistogram())(f.tasks),
	)

	token, err := users.Register(ctx, RegisterInput{Email: "mw@test.test", Password: "CorrectPass1", FullName: "MW"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	user := f.resolve(t, token)

	task, err := tasks.Create(ctx, user, CreateTaskInput{Name: "Through", Description: "middleware"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tasks.FindOne(ctx, task.ID); err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := tasks.FindOne(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors must pass through unchanged, got %v", err)
	}
}

func TestUserLoggingMiddleware(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	users := UserLoggingMiddleware(logger)(f.users)

	if _, err := users.Register(ctx, RegisterInput{Email: " Log@Test.test", Password: "CorrectPass1", FullName: "Log"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := users.Login(ctx, LoginInput{Email: "log@test.test", Password: "WrongPass1"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.DebugLevel || entries[0].Data["method"] != "Register" || entries[0].Data["email"] != "log@test.test" {
		t.Fatalf("unexpected register entry %+v", entries[0].Data)
	}
	last := hook.LastEntry()
	if last.Level != logrus.InfoLevel || last.Data["method"] != "Login" || last.Data[logrus.ErrorKey] == nil {
		t.Fatalf("unexpected login entry %+v", last.Data)
	}
	for _, e := range entries {
		for _, v := range e.Data {
			if s, ok := v.(string); ok && strings.Contains(s, "Pass1") {
				t.Fatal("password written to the log")
			}
		}
	}
}

type failingHasher struct{ err error }

func (h failingHasher) Hash(context.Context, string) (string, error) {
	return "", fmt.Errorf("generate hash: %w", h.err)
}

func (h failingHasher) Compare(context.Context, string, string) error { return h.err }

func TestHashFailureIsWrappedOnce(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	users := NewUserService(f.userRepo, failingHasher{err: boom}, f.tokens, f.clock, quietLogger())

	_, err := users.Register(context.Background(), RegisterInput{
		Email: "hash@test.test", Password: "CorrectPass1", FullName: "Hash",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped hasher error, got %v", err)
	}
	if got, want := err.Error(), "hash password: generate hash: boom"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
