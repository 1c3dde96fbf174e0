package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	opts = append([]Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}, opts...)
	return Load(context.Background(), opts...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{"API_FIREBASE_PROJECT_ID": "lh-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.Server.Port != "8080" || cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "lh-dev" || cfg.PubSub.ProjectID != "lh-dev" {
		t.Errorf("expected firestore and pubsub projects to default to the firebase project, got %s/%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Pricing.PlatformFeePct != "5" || cfg.Pricing.TaxPct != "13" || cfg.Pricing.ServiceFeePct != "0" {
		t.Errorf("unexpected pricing defaults %+v", cfg.Pricing)
	}
	if cfg.Pricing.DefaultCurrency != "CAD" || cfg.Stripe.DefaultCurrency != "CAD" {
		t.Errorf("unexpected default currency %+v", cfg.Pricing)
	}
	if cfg.Orders.AutoCompleteAfter != 24*time.Hour || cfg.Orders.SweepInterval != 5*time.Minute {
		t.Errorf("unexpected order timing %+v", cfg.Orders)
	}
	if cfg.Auth.OIDC.JWKSURL != defaultOIDCJWKSURL || len(cfg.Auth.OIDC.Issuers) != 2 {
		t.Errorf("unexpected oidc defaults %+v", cfg.Auth.OIDC)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected idempotency defaults %+v", cfg.Idempotency)
	}
	if cfg.Payments.BreakerFailures != 5 || cfg.Payments.BreakerOpenTimeout != 30*time.Second {
		t.Errorf("unexpected breaker defaults %+v", cfg.Payments)
	}
}

func TestLoadLocalWithoutProjectUsesMemory(t *testing.T) {
	cfg, err := load(t, map[string]string{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "" {
		t.Fatalf("expected empty project, got %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_ENVIRONMENT":                   "PROD",
		"PORT":                              "9000",
		"API_FIRESTORE_PROJECT_ID":          "lh-fire",
		"API_PUBSUB_PROJECT_ID":             "lh-events",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":     "order-events",
		"API_STORAGE_LISTING_BUCKET":        "listing-media",
		"API_STORAGE_ARCHIVE_BUCKET":        "order-archive",
		"API_STRIPE_API_KEY":                "secret://stripe/api",
		"API_STRIPE_WEBHOOK_SECRET":         "sm://stripe/webhook",
		"API_PRICING_PLATFORM_FEE_PCT":      "7.5",
		"API_PRICING_SERVICE_FEE_PCT":       "2",
		"API_PRICING_DEFAULT_CURRENCY":      "usd",
		"API_ORDERS_AUTOCOMPLETE_AFTER":     "48h",
		"API_ORDERS_CREATE_PER_MIN":         "12",
		"API_OIDC_AUDIENCE":                 "https://orders.internal",
		"API_OIDC_SERVICE_ACCOUNTS":         "scheduler@lh.iam.gserviceaccount.com, ops@lh.iam.gserviceaccount.com",
		"API_PAYMENTS_BREAKER_OPEN_TIMEOUT": "1m",
	}
	secrets := map[string]string{
		"secret://stripe/api":     "sk_live_123",
		"secret://stripe/webhook": "whsec_456",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver), WithRequiredSecrets("Stripe.APIKey", "Stripe.WebhookSecret"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != "prod" || cfg.Server.Port != "9000" {
		t.Errorf("unexpected environment/port %s/%s", cfg.Environment, cfg.Server.Port)
	}
	if cfg.Stripe.APIKey != "sk_live_123" || cfg.Stripe.WebhookSecret != "whsec_456" {
		t.Errorf("expected stripe secrets to resolve, got %+v", cfg.Stripe)
	}
	if cfg.PubSub.ProjectID != "lh-events" || cfg.PubSub.OrderEventTopic != "order-events" {
		t.Errorf("unexpected pubsub config %+v", cfg.PubSub)
	}
	if cfg.Storage.ArchiveBucket != "order-archive" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Pricing.PlatformFeePct != "7.5" || cfg.Pricing.DefaultCurrency != "USD" {
		t.Errorf("unexpected pricing config %+v", cfg.Pricing)
	}
	if cfg.Orders.AutoCompleteAfter != 48*time.Hour || cfg.Orders.CreatePerMinute != 12 {
		t.Errorf("unexpected orders config %+v", cfg.Orders)
	}
	if !slices.Equal(cfg.Auth.OIDC.ServiceAccounts, []string{"scheduler@lh.iam.gserviceaccount.com", "ops@lh.iam.gserviceaccount.com"}) {
		t.Errorf("unexpected service accounts %v", cfg.Auth.OIDC.ServiceAccounts)
	}
	if cfg.Payments.BreakerOpenTimeout != time.Minute {
		t.Errorf("unexpected breaker timeout %s", cfg.Payments.BreakerOpenTimeout)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "export API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID='lh-dot'\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Auth.FirebaseProjectID != "lh-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Auth.FirebaseProjectID)
	}
}

func TestLoadAggregatesValidationErrors(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_ENVIRONMENT":               "prod",
		"API_PRICING_TAX_PCT":           "thirteen",
		"API_PRICING_PLATFORM_FEE_PCT":  "-1",
		"API_ORDERS_AUTOCOMPLETE_AFTER": "0s",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	want := []string{
		"Firestore.ProjectID",
		"Orders.AutoCompleteAfter",
		"Pricing.PlatformFeePct",
		"Pricing.TaxPct",
		"Stripe.WebhookSecret",
	}
	if got := validation.Fields(); !slices.Equal(got, want) {
		t.Fatalf("unexpected invalid fields %v", got)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	_, err := load(t, map[string]string{"API_STRIPE_API_KEY": "secret://missing"})
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := load(t, map[string]string{}, WithRequiredSecrets("Stripe.WebhookSecret"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Stripe.WebhookSecret") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		missing, ok := recover().(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic")
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Stripe.APIKey" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	_, _ = load(t, map[string]string{}, WithRequiredSecrets("Stripe.APIKey"), WithPanicOnMissingSecrets())
}
