package config_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/okian/fieldsync/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load()

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 1024)
				convey.So(cfg.DocumentCollection, convey.ShouldEqual, "assessments")
				convey.So(cfg.APICandidates, convey.ShouldHaveLength, 2)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("FIELDSYNC_ADDR", ":8080")
			_ = os.Setenv("FIELDSYNC_QUEUE_SIZE", "64")
			_ = os.Setenv("FIELDSYNC_IN_MEMORY_STORE", "true")
			_ = os.Setenv("FIELDSYNC_RETRY_MULTIPLIER", "1.5")
			_ = os.Setenv("FIELDSYNC_API_CANDIDATES", "http://a:5000, http://b:5000,")
			_ = os.Setenv("FIELDSYNC_METRICS_ENABLED", "false")
			_ = os.Setenv("FIELDSYNC_CAPTURE_DIR", "/sdcard/DCIM")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 64)
				convey.So(cfg.InMemoryStore, convey.ShouldBeTrue)
				convey.So(cfg.RetryMultiplier, convey.ShouldEqual, 1.5)
				convey.So(cfg.APICandidates, convey.ShouldResemble, []string{"http://a:5000", "http://b:5000"})
				convey.So(cfg.MetricsEnabled, convey.ShouldBeFalse)
				convey.So(cfg.CaptureDir, convey.ShouldEqual, "/sdcard/DCIM")
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			tmpFile := createTempConfigFile(`
addr: ":9090"
worker_count: 3
document_store_dsn: "postgres://fieldsync@localhost/fieldsync"
api_candidates:
  - "http://yaml:5000"
`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("FIELDSYNC_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should load from the file and keep other defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 3)
				convey.So(cfg.DocumentStoreDSN, convey.ShouldEqual, "postgres://fieldsync@localhost/fieldsync")
				convey.So(cfg.APICandidates, convey.ShouldResemble, []string{"http://yaml:5000"})
				convey.So(cfg.SyncConcurrency, convey.ShouldEqual, 4)
			})
		})

		convey.Convey("When both file and environment set the same key", func() {
			tmpFile := createTempConfigFile("addr: \":9090\"\nworker_count: 3\n")
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("FIELDSYNC_CONFIG", tmpFile)
			_ = os.Setenv("FIELDSYNC_WORKER_COUNT", "7")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then the environment wins", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 7)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("FIELDSYNC_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("FIELDSYNC_CONFIG", "/non/existent/file.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("FIELDSYNC_QUEUE_SIZE", "invalid")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("FIELDSYNC_ADDR", "")
			defer clearConfigEnvVars()

			cfg, err := config.Load()

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with zero workers", func() {
			_ = os.Setenv("FIELDSYNC_WORKER_COUNT", "0")
			defer clearConfigEnvVars()

			_, err := config.Load()

			convey.Convey("Then it should be rejected", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, "FIELDSYNC_") {
			_ = os.Unsetenv(key)
		}
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "fieldsync-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
