package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	"wayleave/internal/blob"
	"wayleave/internal/config"
	"wayleave/internal/db"
	"wayleave/internal/domain"
	"wayleave/internal/engine"
	"wayleave/internal/engine/auth"
	"wayleave/internal/events"
	"wayleave/internal/identity"
	"wayleave/internal/livecache"
	"wayleave/internal/migrate"
	"wayleave/internal/repo"
)

// App is the client core: it wires the workflow engine, the authorization
// reconciler and the live cache over one workspace.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Blobs    *blob.Store
	Identity *identity.Provider
	Engine   engine.Engine
	Auth     *auth.Reconciler
	Cache    *livecache.Synchronizer
	Feed     events.Poller
	Service  Service
	Logger   *log.Logger

	liveMu sync.Mutex
	live   bool
}

// Open connects to the workspace database and refuses to run against an
// unmigrated schema.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := CheckSchema(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn, workspace, cfg), nil
}

// CheckSchema reports ErrSchemaMismatch when migrations are behind.
func CheckSchema(ctx context.Context, conn *sql.DB) error {
	latest, err := migrate.Latest()
	if err != nil {
		return err
	}
	current, err := migrate.Current(ctx, conn)
	if err != nil {
		return &domain.StoreError{Op: "read schema version", Kind: domain.ErrStoreUnavailable, Err: err}
	}
	if current < latest {
		return &domain.StoreError{
			Op:   "open workspace (run wl migrate)",
			Kind: domain.ErrSchemaMismatch,
			Err:  fmt.Errorf("schema version %d, want %d", current, latest),
		}
	}
	return nil
}

// New builds the components over an open, migrated connection.
func New(conn *sql.DB, workspace string, cfg *config.Config) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.New(conn)
	blobs := blob.New(cfg.StorageDir(workspace), []byte(cfg.Auth.JWTSecret), cfg.Storage.PublicBaseURL)
	idp := &identity.Provider{
		Repo:              r,
		Secret:            []byte(cfg.Auth.JWTSecret),
		AccessTTL:         cfg.Auth.AccessTTL,
		RefreshTTL:        cfg.Auth.RefreshTTL,
		AllowedDomain:     cfg.Auth.AllowedEmailDomain,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		BootstrapEmail:    cfg.Auth.BootstrapEmail,
	}
	eng := engine.New(r, blobs)
	eng.SignedURLTTL = cfg.Storage.SignedURLTTL
	return &App{
		Config:   cfg,
		DB:       conn,
		Repo:     r,
		Blobs:    blobs,
		Identity: idp,
		Engine:   eng,
		Auth: &auth.Reconciler{
			Identity:       idp,
			Profiles:       r,
			BootstrapEmail: cfg.Auth.BootstrapEmail,
			AllowedDomain:  cfg.Auth.AllowedEmailDomain,
		},
		Cache:   livecache.New(),
		Feed:    events.Poller{DB: conn, Interval: cfg.Feed.PollInterval},
		Service: Service{Repo: r, Engine: eng, Identity: idp},
	}
}

// SetLogger routes every component's log lines to l.
func (a *App) SetLogger(l *log.Logger) {
	a.Logger = l
	a.Identity.Logger = l
	a.Engine.Logger = l
	a.Service.Engine.Logger = l
	a.Auth.Logger = l
	a.Feed.Logger = l
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Start subscribes the reconciler to identity events and runs the initial
// session check. A session that fails validation is signed out and its
// *domain.AuthError returned.
func (a *App) Start(ctx context.Context) error {
	go a.Auth.Run(ctx, a.Identity.Subscribe(ctx))
	return a.Auth.InitialCheck(ctx)
}

// Revalidate repeats the initial check. Identity events only reach this
// process, so a long-running watcher calls it to notice a revocation or
// profile change made elsewhere.
func (a *App) Revalidate(ctx context.Context) error {
	if err := a.Auth.InitialCheck(ctx); err != nil {
		return err
	}
	if _, ok := a.Auth.CurrentRole(); !ok {
		return &domain.AuthError{Reason: domain.ReasonNoSession, Message: "session ended; sign in again"}
	}
	return nil
}

// StartLive loads the visible collection and keeps it in step with the
// change feed until ctx ends. The cursor is read before the listing so no
// change is missed; replayed changes are harmless.
func (a *App) StartLive(ctx context.Context) error {
	if _, err := a.actor(); err != nil {
		return err
	}
	cursor, err := a.Feed.Latest(ctx)
	if err != nil {
		return &domain.StoreError{Op: "read change feed", Kind: domain.ErrStoreUnavailable, Err: err}
	}
	records, err := a.Repo.ListRecords(ctx)
	if err != nil {
		return err
	}
	a.Cache.Load(records)
	go a.Cache.Run(ctx, a.Feed.SubscribeFrom(ctx, cursor))
	a.liveMu.Lock()
	a.live = true
	a.liveMu.Unlock()
	go func() {
		<-ctx.Done()
		a.liveMu.Lock()
		a.live = false
		a.liveMu.Unlock()
	}()
	return nil
}

func (a *App) actor() (Actor, error) {
	role, sess, err := a.Auth.Require()
	if err != nil {
		return Actor{}, err
	}
	return Actor{UserID: sess.UserID, Email: sess.Email, Role: role}, nil
}

func (a *App) SignUp(ctx context.Context, email, password, confirm string) (string, error) {
	return a.Identity.SignUp(ctx, email, password, confirm)
}

func (a *App) Login(ctx context.Context, email, password string) (domain.Session, domain.Role, error) {
	return a.Auth.SignIn(ctx, email, password)
}

func (a *App) Logout(ctx context.Context) error {
	return a.Auth.SignOut(ctx)
}

func (a *App) CurrentRole() (domain.Role, bool) {
	return a.Auth.CurrentRole()
}

func (a *App) CurrentSession() *domain.Session {
	return a.Auth.CurrentSession()
}

// VisibleRecords returns the live collection once StartLive has run,
// otherwise a fresh listing.
func (a *App) VisibleRecords(ctx context.Context) ([]domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return nil, err
	}
	a.liveMu.Lock()
	live := a.live
	a.liveMu.Unlock()
	if live {
		return a.Cache.Snapshot(), nil
	}
	return a.Service.Records(ctx, actor)
}

// SearchRecords filters the visible collection by wayleave number.
func (a *App) SearchRecords(ctx context.Context, query string) ([]domain.WayleaveRecord, error) {
	records, err := a.VisibleRecords(ctx)
	if err != nil {
		return nil, err
	}
	return engine.SearchRecords(records, query), nil
}

// WatchRecords streams the live collection after every applied change.
func (a *App) WatchRecords(ctx context.Context) (<-chan []domain.WayleaveRecord, error) {
	if err := a.StartLive(ctx); err != nil {
		return nil, err
	}
	return a.Cache.Watch(ctx), nil
}

func (a *App) Record(ctx context.Context, id int64) (domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	return a.Service.Record(ctx, actor, id)
}

func (a *App) PendingActions(ctx context.Context) ([]domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return nil, err
	}
	records, err := a.VisibleRecords(ctx)
	if err != nil {
		return nil, err
	}
	return engine.PendingActions(actor.Role, records), nil
}

// AvailableTransitions lists what the current role may do with a record in status.
func (a *App) AvailableTransitions(status domain.Status) []domain.Status {
	role, ok := a.Auth.CurrentRole()
	if !ok {
		return nil
	}
	return engine.AvailableTransitions(status, role)
}

func (a *App) CreateRecord(ctx context.Context, number string, attachment *domain.Upload) (domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	return a.Service.CreateRecord(ctx, actor, number, attachment)
}

func (a *App) ApplyTransition(ctx context.Context, id int64, target domain.Status, evidence *domain.Upload) (domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	return a.Service.ApplyTransition(ctx, actor, id, target, evidence)
}

func (a *App) UpdateRecordNumber(ctx context.Context, id int64, number string) (domain.WayleaveRecord, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.WayleaveRecord{}, err
	}
	return a.Service.UpdateRecordNumber(ctx, actor, id, number)
}

func (a *App) DeleteRecord(ctx context.Context, id int64) error {
	actor, err := a.actor()
	if err != nil {
		return err
	}
	return a.Service.DeleteRecord(ctx, actor, id)
}

func (a *App) AttachmentURL(ctx context.Context, id int64, kind engine.AttachmentKind) (string, error) {
	actor, err := a.actor()
	if err != nil {
		return "", err
	}
	return a.Service.AttachmentURL(ctx, actor, id, kind)
}

func (a *App) ListProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	actor, err := a.actor()
	if err != nil {
		return nil, err
	}
	return a.Service.ListProfiles(ctx, actor)
}

func (a *App) SearchProfiles(ctx context.Context, query string) ([]domain.UserProfile, error) {
	actor, err := a.actor()
	if err != nil {
		return nil, err
	}
	return a.Service.SearchProfiles(ctx, actor, query)
}

func (a *App) Overview(ctx context.Context) (engine.Overview, error) {
	actor, err := a.actor()
	if err != nil {
		return engine.Overview{}, err
	}
	return a.Service.Overview(ctx, actor)
}

func (a *App) SetRole(ctx context.Context, userID string, role domain.Role) (domain.UserProfile, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.UserProfile{}, err
	}
	return a.Service.SetRole(ctx, actor, userID, role)
}

func (a *App) ActivateProfile(ctx context.Context, userID string, status domain.Activation) (domain.UserProfile, error) {
	actor, err := a.actor()
	if err != nil {
		return domain.UserProfile{}, err
	}
	return a.Service.ActivateProfile(ctx, actor, userID, status)
}

func (a *App) DeleteProfile(ctx context.Context, userID string) error {
	actor, err := a.actor()
	if err != nil {
		return err
	}
	return a.Service.DeleteProfile(ctx, actor, userID)
}
