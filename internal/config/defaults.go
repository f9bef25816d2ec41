package config

// Run modes accepted by Workflow.Mode.
const (
	ModeDownloadAll     = "download-all"
	ModeDownloadNewOnly = "download-new-only"
	ModeForceRedownload = "force-redownload"
)

// Default returns the built-in configuration defaults. Values here are
// overridden by the config file.
func Default() Config {
	return Config{
		Storage: Storage{
			LibraryDir: "~/beatbridge/library",
			StagingDir: "~/beatbridge/staging",
			LogDir:     "~/beatbridge/logs",
		},
		Source: Source{
			BaseURL:   "https://www.beatstars.com",
			AutoLogin: true,
			PageSize:  50,
		},
		Shopify: Shopify{
			APIVersion:        "2024-10",
			ProductType:       "Beat",
			Publication:       "Online Store",
			AutoAttachDigital: true,
			RequestTimeout:    60,
		},
		Workflow: Workflow{
			Mode:               ModeDownloadNewOnly,
			PollInterval:       2,
			ErrorRetryInterval: 5,
			HeartbeatInterval:  10,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
