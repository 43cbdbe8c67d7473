package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/gologger"
	"github.com/opensetdb/openset/mapper"
	"github.com/opensetdb/openset/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

var logger = gologger.NewLogger()

type HTTPServer struct {
	Echo *echo.Echo

	DB     *database.Database
	Pool   *async.Pool
	Mapper *mapper.Mapper

	dispatch *dispatcher
}

type CustomValidator struct {
	validator *validator.Validate
}

func StartHTTPServer(db *database.Database, pool *async.Pool, m *mapper.Mapper) *HTTPServer {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", utils.GetEnvOrDefault("HTTP_PORT", "8080")))
	if err != nil {
		logger.Error().Err(err).Msg("error creating tcp listener, exiting")
		os.Exit(1)
	}
	s := &HTTPServer{
		Echo:     echo.New(),
		DB:       db,
		Pool:     pool,
		Mapper:   m,
		dispatch: newDispatcher(),
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.JSONSerializer = &utils.NoEscapeJSONSerializer{}

	s.Echo.Use(CreateReqContext)
	s.Echo.Use(LoggerMiddleware)
	s.Echo.Use(middleware.CORS())
	s.Echo.Validator = &CustomValidator{validator: validator.New()}

	// technical - no auth
	s.Echo.GET("/ping", s.Ping)
	s.Echo.GET("/hc", s.HealthCheck)
	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.Echo.PUT("/v1/table/:table", s.queued(false, s.CreateTable))
	s.Echo.GET("/v1/table/:table", s.queued(false, s.DescribeTable))
	s.Echo.DELETE("/v1/table/:table", s.queued(false, s.DropTable))
	s.Echo.GET("/v1/tables", s.queued(false, s.ListTables))
	s.Echo.POST("/v1/insert/:table", s.queued(false, s.Insert))

	s.Echo.POST("/v1/query/:table/event", s.queued(true, s.EventQuery))
	s.Echo.POST("/v1/query/:table/segment", s.queued(true, s.SegmentQuery))
	s.Echo.POST("/v1/query/:table/histogram/:name", s.queued(true, s.HistogramQuery))
	s.Echo.GET("/v1/query/:table/column/:name", s.queued(true, s.ColumnQuery))
	s.Echo.POST("/v1/query/:table/column/:name", s.queued(true, s.ColumnQuery))
	s.Echo.GET("/v1/query/:table/person", s.queued(true, s.PersonQuery))
	s.Echo.POST("/v1/query/:table/batch", s.queued(true, s.BatchQuery))

	s.Echo.Listener = listener
	go func() {
		logger.Info().Msg("starting h2c server on " + listener.Addr().String())
		err := s.Echo.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("failed to start h2c server, exiting")
			os.Exit(1)
		}
	}()

	return s
}

// queued routes a handler through the intake queues. Fork requests always
// take the other queue, whatever the route, so an originator's self-dispatch
// can never wait behind its own admission slot.
func (s *HTTPServer) queued(query bool, h func(*CustomContext) error) echo.HandlerFunc {
	return ccHandler(func(c *CustomContext) error {
		useQuery := query && c.QueryParam("fork") != "true"
		var err error
		s.dispatch.submit(useQuery, func() {
			err = h(c)
		})
		return err
	})
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ValidateRequest(c echo.Context, s interface{}) error {
	if err := c.Bind(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(s); err != nil {
		return err
	}
	return nil
}

func (*HTTPServer) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"pong": true})
}

func (*HTTPServer) HealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Shutdown stops accepting traffic first; in-flight handlers still hold live
// dispatcher workers, so they drain before the dispatcher retires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.dispatch.Stop()
	return err
}

func LoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			// default handler
			c.Error(err)
		}
		stop := time.Since(start)
		// Log otherwise
		logger := zerolog.Ctx(c.Request().Context())
		req := c.Request()
		res := c.Response()

		p := req.URL.Path
		if p == "" {
			p = "/"
		}

		cl := req.Header.Get(echo.HeaderContentLength)
		if cl == "" {
			cl = "0"
		}
		logger.Debug().Str("method", req.Method).Str("remote_ip", c.RealIP()).Str("req_uri", req.RequestURI).Str("handler_path", c.Path()).Str("path", p).Int("status", res.Status).Int64("latency_ns", int64(stop)).Str("protocol", req.Proto).Str("bytes_in", cl).Int64("bytes_out", res.Size).Msg("req recived")
		return nil
	}
}
