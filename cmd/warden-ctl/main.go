// Command warden-ctl is the operator bootstrap CLI. It talks to the
// database directly, so it works before the first application exists.
//
// Usage:
//
//	warden-ctl create-app -name <name> [-scopes a,b] [-methods a,b] [-plan <uuid>]
//	warden-ctl reset-secret -app <uuid>
//	warden-ctl create-plan -name <name> [-requests n] [-tokens n] [-period-days n]
//	warden-ctl bootstrap-admin -username <name> -password <password> [-email a@b]
//
// App and webhook secrets are printed exactly once and are not
// recoverable afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/crypto"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.Setup(cfg.Env)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("connect database:", err)
	}
	defer pool.Close()

	box, err := crypto.NewSecretBox(cfg.AppEncryptionKey)
	if err != nil {
		fatal("app encryption key:", err)
	}
	appSvc := apps.NewService(storage.NewAppStore(pool), box, log)
	planStore := storage.NewPlanStore(pool)

	switch os.Args[1] {
	case "create-app":
		createApp(ctx, appSvc, os.Args[2:])
	case "reset-secret":
		resetSecret(ctx, appSvc, os.Args[2:])
	case "create-plan":
		createPlan(ctx, planStore, os.Args[2:])
	case "bootstrap-admin":
		bootstrapAdmin(ctx, pool, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: warden-ctl create-app|reset-secret|create-plan|bootstrap-admin [flags]")
}

func fatal(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg, err)
	os.Exit(1)
}

func createApp(ctx context.Context, svc *apps.Service, args []string) {
	fs := flag.NewFlagSet("create-app", flag.ExitOnError)
	name := fs.String("name", "", "application name (required)")
	scopes := fs.String("scopes", "auth:register,auth:login", "comma-separated granted scopes")
	methods := fs.String("methods", "password", "comma-separated enabled login methods")
	plan := fs.String("plan", "", "subscription plan id")
	rateLimit := fs.Int("rate-limit", 0, "requests per minute (0 = default)")
	fs.Parse(args)

	if *name == "" {
		fatal("create-app:", fmt.Errorf("-name is required"))
	}

	in := apps.CreateInput{
		Name:                *name,
		RateLimit:           *rateLimit,
		EnabledLoginMethods: splitList(*methods),
		GrantedScopes:       splitList(*scopes),
	}
	if *plan != "" {
		id, err := uuid.Parse(*plan)
		if err != nil {
			fatal("create-app:", fmt.Errorf("invalid plan id %q", *plan))
		}
		in.SubscriptionPlanID = &id
	}

	created, err := svc.Create(ctx, in)
	if err != nil {
		fatal("create-app:", err)
	}

	fmt.Println("application created")
	fmt.Println("  app_id:        ", created.App.AppID)
	fmt.Println("  name:          ", created.App.Name)
	fmt.Println("  scopes:        ", strings.Join(created.App.GrantedScopes, ","))
	fmt.Println("  login_methods: ", strings.Join(created.App.EnabledLoginMethods, ","))
	fmt.Println()
	fmt.Println("store these now; they are shown only once:")
	fmt.Println("  app_secret:    ", created.AppSecret)
	fmt.Println("  webhook_secret:", created.WebhookSecret)
}

func resetSecret(ctx context.Context, svc *apps.Service, args []string) {
	fs := flag.NewFlagSet("reset-secret", flag.ExitOnError)
	app := fs.String("app", "", "application id (required)")
	fs.Parse(args)

	id, err := uuid.Parse(*app)
	if err != nil {
		fatal("reset-secret:", fmt.Errorf("invalid app id %q", *app))
	}

	secret, err := svc.ResetSecret(ctx, id)
	if err != nil {
		fatal("reset-secret:", err)
	}

	fmt.Println("secret reset; store it now, it is shown only once:")
	fmt.Println("  app_secret:", secret)
}

func createPlan(ctx context.Context, store *storage.PlanStore, args []string) {
	fs := flag.NewFlagSet("create-plan", flag.ExitOnError)
	name := fs.String("name", "", "plan name (required)")
	requests := fs.Int64("requests", quota.Unlimited, "request quota per cycle (-1 = unlimited)")
	tokens := fs.Int64("tokens", quota.Unlimited, "token quota per cycle (-1 = unlimited)")
	periodDays := fs.Int("period-days", 30, "billing cycle length in days")
	price := fs.Float64("price", 0, "plan price")
	fs.Parse(args)

	if *name == "" {
		fatal("create-plan:", fmt.Errorf("-name is required"))
	}

	plan := &storage.SubscriptionPlan{
		ID:              uuid.New(),
		Name:            *name,
		Price:           *price,
		RequestQuota:    *requests,
		TokenQuota:      *tokens,
		QuotaPeriodDays: *periodDays,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	if err := store.Create(ctx, plan); err != nil {
		fatal("create-plan:", err)
	}

	fmt.Println("plan created")
	fmt.Println("  id:      ", plan.ID)
	fmt.Println("  name:    ", plan.Name)
	fmt.Println("  requests:", plan.RequestQuota)
	fmt.Println("  tokens:  ", plan.TokenQuota)
}

// bootstrapAdmin installs the initial super-admin account. Without
// flags this is the well-known admin/123456 bootstrap account; it is
// created with password_changed=false, so the first login forces a
// rotation before anything else works.
func bootstrapAdmin(ctx context.Context, pool *pgxpool.Pool, args []string) {
	fs := flag.NewFlagSet("bootstrap-admin", flag.ExitOnError)
	username := fs.String("username", auth.DefaultAdminUsername, "administrator username")
	password := fs.String("password", auth.DefaultAdminPassword, "initial password (must be rotated on first login)")
	email := fs.String("email", "", "administrator email")
	fs.Parse(args)

	user, err := auth.BootstrapAdmin(ctx, storage.NewUserStore(pool), storage.NewRBACStore(pool),
		auth.NewArgon2Hasher(), *username, *email, *password, authz.SuperAdminRole)
	if err != nil {
		fatal("bootstrap-admin (run migrations first):", err)
	}

	fmt.Println("administrator created")
	fmt.Println("  user_id: ", user.ID)
	fmt.Println("  username:", user.Username)
	fmt.Println("  password must be changed on first login")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
