package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var Logger *logrus.Entry

// Settings holds the connection keys main needs before a session exists.
// The sync core reads its tuning keys from viper itself.
type Settings struct {
	Server   string
	Login    string
	Password string
	Token    string
	UserID   string
	DeviceID string
	Insecure bool

	ClientCert string
	ClientKey  string

	CachePath     string
	MetricsListen string
}

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("mxsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.initiallimit", 10)
	v.SetDefault("sync.retry", 10*time.Second)
	v.SetDefault("sync.maxretry", 30*time.Minute)
	v.SetDefault("backfill.pagesize", 40)
	v.SetDefault("backfill.contextmax", 64)
	v.SetDefault("send.retry", 5*time.Second)
	v.SetDefault("cache.path", "mxsync.db")
	v.SetDefault("cache.members", 500)
}

// Parse extracts Settings from v. A homeserver is required, and either an
// access token with its user id or a login/password pair. A sync.maxretry
// below sync.retry is raised to sync.retry in v.
func Parse(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Server:        v.GetString("matrix.server"),
		Login:         v.GetString("matrix.login"),
		Password:      v.GetString("matrix.password"),
		Token:         v.GetString("matrix.token"),
		UserID:        v.GetString("matrix.userid"),
		DeviceID:      v.GetString("matrix.deviceid"),
		Insecure:      v.GetBool("matrix.insecure"),
		ClientCert:    v.GetString("matrix.clientcert"),
		ClientKey:     v.GetString("matrix.clientkey"),
		CachePath:     v.GetString("cache.path"),
		MetricsListen: v.GetString("metrics.listen"),
	}

	if s.Server == "" {
		return nil, fmt.Errorf("matrix.server is required")
	}

	if s.Token == "" && (s.Login == "" || s.Password == "") {
		return nil, fmt.Errorf("either matrix.token or matrix.login and matrix.password are required")
	}

	if s.Token != "" && s.UserID == "" {
		return nil, fmt.Errorf("matrix.userid is required when using matrix.token")
	}

	if (s.ClientCert == "") != (s.ClientKey == "") {
		return nil, fmt.Errorf("matrix.clientcert and matrix.clientkey must be set together")
	}

	retry, maxRetry := v.GetDuration("sync.retry"), v.GetDuration("sync.maxretry")
	if maxRetry < retry {
		if Logger != nil {
			Logger.Warnf("sync.maxretry %s is lower than sync.retry %s, using %s", maxRetry, retry, retry)
		}
		v.Set("sync.maxretry", retry)
	}

	return s, nil
}
