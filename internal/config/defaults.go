package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.ledgerbot",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			PipelineTimeoutSeconds: 30,
			ShutdownTimeoutSeconds: 10,
		},
		WhatsApp: WhatsAppConfig{
			WebhookPath:    "/webhook/whatsapp",
			APIBase:        "https://graph.facebook.com/v21.0",
			TimeoutSeconds: 10,
			MaxMediaBytes:  16 << 20,
		},
		Ledger: LedgerConfig{
			APIBase:        "http://localhost:8000",
			TimeoutSeconds: 10,
		},
		LLM: LLMConfig{
			Provider:           "gemini",
			Model:              "gemini-2.0-flash",
			TimeoutSeconds:     20,
			RateLimitPerMinute: 60,
			MaxBurst:           10,
		},
		Transcription: TranscriptionConfig{
			Provider: "llm",
			Language: "pt",
		},
		Sessions: SessionsConfig{
			Backend:      "memory",
			DBPath:       "~/.ledgerbot/ledgerbot.db",
			TTLMinutes:   24 * 60,
			CountryCodes: []string{"55"},
		},
		Dispatch: DispatchConfig{
			BalanceThreshold: 500,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Backend: "local",
			Dir:     "~/.ledgerbot/media",
			Prefix:  "ledgerbot",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			CloudWatch: CloudWatchConfig{
				Namespace: "Ledgerbot",
			},
		},
	}
}

// Template returns the defaults with secrets pointing at environment
// variables. It is what `ledgerbot init` writes to disk.
func Template() *Config {
	cfg := Defaults()
	cfg.WhatsApp.AccessToken = "${WHATSAPP_ACCESS_TOKEN}"
	cfg.WhatsApp.VerifyToken = "${WHATSAPP_VERIFY_TOKEN}"
	cfg.WhatsApp.PhoneNumberID = "${WHATSAPP_PHONE_NUMBER_ID}"
	cfg.WhatsApp.AppSecret = "${WHATSAPP_APP_SECRET:-}"
	cfg.Ledger.APIBase = "${LEDGER_API_URL:-http://localhost:8000}"
	cfg.LLM.APIKey = "${GEMINI_API_KEY}"
	cfg.Admin.Token = "${LEDGERBOT_ADMIN_TOKEN:-}"
	return cfg
}
