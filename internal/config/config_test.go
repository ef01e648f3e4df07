package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/laufevent/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.ScanQueueSize, convey.ShouldEqual, 10_000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*2)
			convey.So(cfg.DedupeSize, convey.ShouldEqual, 100_000)
			convey.So(cfg.StoreTimeout(), convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given configs with a single bad field", t, func() {
		cases := map[string]func(c *config.Config){
			"empty addr":         func(c *config.Config) { c.Addr = "" },
			"zero timeout":       func(c *config.Config) { c.StoreTimeoutMS = 0 },
			"zero queue":         func(c *config.Config) { c.ScanQueueSize = 0 },
			"zero workers":       func(c *config.Config) { c.WorkerCount = 0 },
			"zero dedupe":        func(c *config.Config) { c.DedupeSize = 0 },
			"zero limit":         func(c *config.Config) { c.MaxStandingsLimit = 0 },
			"unknown driver":     func(c *config.Config) { c.StoreDriver = "mysql" },
			"sqlite without dsn": func(c *config.Config) { c.StoreDriver = config.DriverSQLite; c.StoreDSN = "" },
			"redis without addr": func(c *config.Config) { c.StoreDriver = config.DriverRedis; c.RedisAddr = "" },
		}
		for name, mutate := range cases {
			convey.Convey("Then "+name+" is rejected", func() {
				cfg := config.New()
				mutate(cfg)
				err := cfg.Validate()
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}
	})
}
