package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var validate = validator.New()

// ICE selects STUN/TURN servers (ICE_MODE, STUN_URLS, TURN_URLS,
// TURN_USERNAME, TURN_PASSWORD).
type ICE struct {
	Mode         string `validate:"oneof=stun-turn turn-only stun-only"`
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Config holds the classroom client configuration.
type Config struct {
	SignalURL   string `validate:"required,url"`
	APIURL      string `validate:"omitempty,url"`
	Token       string `validate:"required"`
	ClassroomID string `validate:"required"`
	// ChatURL and CourseID enable the course chat channel when both are set.
	ChatURL  string `validate:"omitempty,url"`
	CourseID string
	// UserID is used when the token carries no user_id claim.
	UserID string

	ReconnectMaxAttempts int           `validate:"min=1"`
	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	PingInterval         time.Duration `validate:"gt=0"`
	NegotiationTimeout   time.Duration `validate:"gte=0"`
	NegotiationRetries   int           `validate:"min=0"`
	ReconcileInterval    time.Duration `validate:"gte=0"`

	CameraFile string
	MicFile    string
	ScreenFile string
	ReadOnly   bool

	ICE ICE

	RollbarToken string
	Env          string
}

// RelayConfig holds the development relay configuration.
type RelayConfig struct {
	Addr        string `validate:"required"`
	JWTSecret   string `validate:"required"`
	RedisAddr   string
	RedisPrefix string `validate:"required"`
	Env         string `validate:"oneof=development production"`

	RollbarToken string
}

// Load reads the client configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env
// values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return loadClient(newViper())
}

// LoadRelay reads the relay configuration the same way as Load.
func LoadRelay() (*RelayConfig, error) {
	_ = godotenv.Load()
	return loadRelay(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("CLASSROOM_API_URL", "")
	v.SetDefault("CLASSROOM_USER_ID", "")
	v.SetDefault("CLASSROOM_CHAT_URL", "")
	v.SetDefault("CLASSROOM_COURSE_ID", "")
	v.SetDefault("CLASSROOM_RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("CLASSROOM_RECONNECT_BASE_DELAY", time.Second)
	v.SetDefault("CLASSROOM_PING_INTERVAL", 25*time.Second)
	v.SetDefault("CLASSROOM_NEGOTIATION_TIMEOUT", 15*time.Second)
	v.SetDefault("CLASSROOM_NEGOTIATION_RETRIES", 1)
	v.SetDefault("CLASSROOM_RECONCILE_INTERVAL", 30*time.Second)
	v.SetDefault("CLASSROOM_READ_ONLY", false)
	v.SetDefault("CLASSROOM_ENV", "development")

	v.SetDefault("ICE_MODE", "stun-turn")
	v.SetDefault("STUN_URLS", "")
	v.SetDefault("TURN_URLS", "")

	v.SetDefault("CLASSROOMD_ADDR", ":8080")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PREFIX", "classroom")
	v.SetDefault("CLASSROOMD_ENV", "development")

	v.AutomaticEnv()
	return v
}

func loadClient(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		SignalURL:   strings.TrimSpace(v.GetString("CLASSROOM_SIGNAL_URL")),
		APIURL:      strings.TrimSpace(v.GetString("CLASSROOM_API_URL")),
		Token:       strings.TrimSpace(v.GetString("CLASSROOM_TOKEN")),
		ClassroomID: strings.TrimSpace(v.GetString("CLASSROOM_ID")),
		ChatURL:     strings.TrimSpace(v.GetString("CLASSROOM_CHAT_URL")),
		CourseID:    strings.TrimSpace(v.GetString("CLASSROOM_COURSE_ID")),
		UserID:      strings.TrimSpace(v.GetString("CLASSROOM_USER_ID")),

		ReconnectMaxAttempts: v.GetInt("CLASSROOM_RECONNECT_MAX_ATTEMPTS"),
		ReconnectBaseDelay:   v.GetDuration("CLASSROOM_RECONNECT_BASE_DELAY"),
		PingInterval:         v.GetDuration("CLASSROOM_PING_INTERVAL"),
		NegotiationTimeout:   v.GetDuration("CLASSROOM_NEGOTIATION_TIMEOUT"),
		NegotiationRetries:   v.GetInt("CLASSROOM_NEGOTIATION_RETRIES"),
		ReconcileInterval:    v.GetDuration("CLASSROOM_RECONCILE_INTERVAL"),

		CameraFile: v.GetString("CLASSROOM_CAMERA_FILE"),
		MicFile:    v.GetString("CLASSROOM_MIC_FILE"),
		ScreenFile: v.GetString("CLASSROOM_SCREEN_FILE"),
		ReadOnly:   v.GetBool("CLASSROOM_READ_ONLY"),

		ICE: ICE{
			Mode:         strings.ToLower(strings.TrimSpace(v.GetString("ICE_MODE"))),
			STUNURLs:     splitList(v.GetString("STUN_URLS")),
			TURNURLs:     splitList(v.GetString("TURN_URLS")),
			TURNUsername: strings.TrimSpace(v.GetString("TURN_USERNAME")),
			TURNPassword: strings.TrimSpace(v.GetString("TURN_PASSWORD")),
		},

		RollbarToken: v.GetString("ROLLBAR_TOKEN"),
		Env:          v.GetString("CLASSROOM_ENV"),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(describe(err), "invalid client config")
	}
	return cfg, nil
}

func loadRelay(v *viper.Viper) (*RelayConfig, error) {
	cfg := &RelayConfig{
		Addr:         v.GetString("CLASSROOMD_ADDR"),
		JWTSecret:    v.GetString("JWT_SECRET"),
		RedisAddr:    strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPrefix:  v.GetString("REDIS_PREFIX"),
		Env:          strings.ToLower(v.GetString("CLASSROOMD_ENV")),
		RollbarToken: v.GetString("ROLLBAR_TOKEN"),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(describe(err), "invalid relay config")
	}
	return cfg, nil
}

// envNames maps struct fields back to the variables that set them so that
// validation errors name something the user can fix.
var envNames = map[string]string{
	"SignalURL":            "CLASSROOM_SIGNAL_URL",
	"APIURL":               "CLASSROOM_API_URL",
	"Token":                "CLASSROOM_TOKEN",
	"ClassroomID":          "CLASSROOM_ID",
	"ChatURL":              "CLASSROOM_CHAT_URL",
	"ReconnectMaxAttempts": "CLASSROOM_RECONNECT_MAX_ATTEMPTS",
	"ReconnectBaseDelay":   "CLASSROOM_RECONNECT_BASE_DELAY",
	"PingInterval":         "CLASSROOM_PING_INTERVAL",
	"NegotiationTimeout":   "CLASSROOM_NEGOTIATION_TIMEOUT",
	"NegotiationRetries":   "CLASSROOM_NEGOTIATION_RETRIES",
	"ReconcileInterval":    "CLASSROOM_RECONCILE_INTERVAL",
	"Mode":                 "ICE_MODE",
	"Addr":                 "CLASSROOMD_ADDR",
	"JWTSecret":            "JWT_SECRET",
	"RedisPrefix":          "REDIS_PREFIX",
	"Env":                  "CLASSROOMD_ENV",
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := envNames[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		if fe.Tag() == "required" {
			msgs = append(msgs, name+" is required")
		} else {
			msgs = append(msgs, name+" failed "+fe.Tag()+" check")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func splitList(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
