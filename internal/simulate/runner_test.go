package simulate

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/okian/bawo/internal/adapters/http/api"
	"github.com/okian/bawo/internal/adapters/rail"
	service "github.com/okian/bawo/internal/app"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/config"
	"github.com/okian/bawo/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
	_ = logger.SetLevelString("error")
}

func newMarketplace(t *testing.T, opts ...api.Option) (*httptest.Server, *rail.Simulated) {
	sim := rail.NewSimulated()
	svc, err := service.New(config.New(context.Background()), apptest.DB(t), sim,
		service.WithInlinePayouts(),
		service.WithGoldenRand(func() float64 { return 1 }))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	r := mux.NewRouter()
	api.NewServer(svc, svc, opts...).Register(context.Background(), r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sim
}

func testConfig(url string) *Config {
	return &Config{
		BaseURL:     url,
		Workers:     3,
		Concurrency: 3,
		Items:       4,
		Price:       "0.10",
		Deposit:     "10.00",
		Accuracy:    1,
		Seed:        7,
		Timeout:     5 * time.Second,
	}
}

func TestRun(t *testing.T) {
	Convey("Given a running marketplace", t, func() {
		srv, sim := newMarketplace(t)

		Convey("When three accurate workers drain a four item project", func() {
			stats, err := Run(context.Background(), testConfig(srv.URL))
			So(err, ShouldBeNil)

			Convey("Then every task reaches consensus and every answer is paid", func() {
				So(stats.WorkersRegistered, ShouldEqual, 3)
				So(stats.TasksAssigned, ShouldEqual, 12)
				So(stats.Submitted, ShouldEqual, 12)
				So(stats.Rejected, ShouldEqual, 0)
				So(stats.ConsensusReached, ShouldEqual, 4)
				So(stats.Payouts, ShouldEqual, 12)
				So(stats.PercentComplete, ShouldEqual, 100)
				So(sim.Transfers(), ShouldEqual, 12)
				So(sim.Total("sim-wallet-1").Equal(apptest.USD("0.40")), ShouldBeTrue)
			})
		})

		Convey("When fewer workers than the fan-out answer", func() {
			cfg := testConfig(srv.URL)
			cfg.Workers = 2
			stats, err := Run(context.Background(), cfg)
			So(err, ShouldBeNil)

			Convey("Then no task completes and nothing is paid", func() {
				So(stats.Submitted, ShouldEqual, 8)
				So(stats.ConsensusReached, ShouldEqual, 0)
				So(stats.PercentComplete, ShouldEqual, 0)
				So(sim.Transfers(), ShouldEqual, 0)
			})
		})

		Convey("When the client cannot fund the project", func() {
			cfg := testConfig(srv.URL)
			cfg.Deposit = "0.50"
			_, err := Run(context.Background(), cfg)

			Convey("Then the launch is refused", func() {
				So(err, ShouldNotBeNil)
				var se *StatusError
				So(errors.As(err, &se), ShouldBeTrue)
				So(se.Code, ShouldEqual, 422)
			})
		})
	})
}

func TestRun_Authenticated(t *testing.T) {
	Convey("Given a marketplace that requires worker tokens", t, func() {
		srv, _ := newMarketplace(t, api.WithAuthenticator(api.NewAuthenticator("sim-secret", 0)))

		Convey("Then workers use the tokens issued at registration", func() {
			stats, err := Run(context.Background(), testConfig(srv.URL))
			So(err, ShouldBeNil)
			So(stats.Submitted, ShouldEqual, 12)
			So(stats.ConsensusReached, ShouldEqual, 4)
		})
	})
}

func TestRun_Unreachable(t *testing.T) {
	Convey("Given no service at the base URL", t, func() {
		srv := httptest.NewServer(nil)
		url := srv.URL
		srv.Close()

		Convey("Then the health check fails", func() {
			cfg := testConfig(url)
			cfg.Timeout = time.Second
			_, err := Run(context.Background(), cfg)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "health check")
		})
	})
}
