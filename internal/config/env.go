package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays the deployment environment onto cfg; a set variable
// always wins over the file. getenv is injected so tests need not mutate the
// process environment.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	seconds := func(key string, dst *time.Duration) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a number of seconds", key, v))
			return
		}
		*dst = time.Duration(n) * time.Second
	}

	str("REALTIME_HOST", &cfg.Server.Host)
	num("REALTIME_PORT", &cfg.Server.Port)
	if v := getenv("AUDIO_MODE"); v != "" {
		cfg.Server.AudioMode = AudioMode(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Server.LogFormat = LogFormat(v)
	}

	str("ESL_HOST", &cfg.ESL.Host)
	num("ESL_PORT", &cfg.ESL.Port)
	str("ESL_PASSWORD", &cfg.ESL.Password)
	str("ESL_SERVER_HOST", &cfg.ESL.ServerHost)
	num("ESL_SERVER_PORT", &cfg.ESL.ServerPort)

	num("MAX_SESSIONS_PER_DOMAIN", &cfg.Sessions.MaxPerTenant)
	num("MAX_TOTAL_SESSIONS", &cfg.Sessions.MaxTotal)

	str("DATABASE_URL", &cfg.Database.DSN)

	str("MINIO_ENDPOINT", &cfg.Storage.Endpoint)
	str("MINIO_REGION", &cfg.Storage.Region)
	str("MINIO_BUCKET", &cfg.Storage.Bucket)
	str("MINIO_ACCESS_KEY", &cfg.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.Storage.SecretKey)

	str("OMNIPLAY_API_URL", &cfg.Orchestrator.BaseURL)
	str("OMNIPLAY_API_TOKEN", &cfg.Orchestrator.Token)
	str("OMNIPLAY_QUEUE_ID", &cfg.Orchestrator.QueueID)

	if v := getenv("HANDOFF_KEYWORDS"); v != "" {
		var keywords []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		cfg.Handoff.Keywords = keywords
	}
	num("HANDOFF_MAX_AI_TURNS", &cfg.Handoff.MaxAITurns)
	str("HANDOFF_COUNTRY_CODE", &cfg.Handoff.CountryCode)
	str("DEV_TEST_NUMBER", &cfg.Handoff.DevTestNumber)

	seconds("TRANSFER_DEFAULT_TIMEOUT", &cfg.Transfer.DefaultTimeout)
	str("TRANSFER_MUSIC_ON_HOLD", &cfg.Transfer.MusicOnHold)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}
