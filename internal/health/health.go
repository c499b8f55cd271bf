// Package health fornece health checks para os pools de conexão e o Redis.
// Cada pool SQL Server registrado é verificado com um ping por um slot do
// próprio pool; o Redis, quando o coordenador está ativo, com PING.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Timeouts de cada verificação.
const (
	redisTimeout     = 5 * time.Second
	sqlServerTimeout = 10 * time.Second
	maxVersionLength = 80
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pinger é qualquer componente que responde a um ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// versioner é implementado por pools que sabem informar a versão do servidor.
type versioner interface {
	Version(ctx context.Context) (string, error)
}

type target struct {
	name    string
	pinger  Pinger
	timeout time.Duration
}

// Checker realiza health checks contra os componentes registrados.
type Checker struct {
	instanceID string
	port       int
	logger     *zap.Logger

	mu      sync.RWMutex
	targets []target
}

// NewChecker cria um novo health checker. port é a porta do servidor HTTP.
func NewChecker(instanceID string, port int, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.L()
	}
	return &Checker{
		instanceID: instanceID,
		port:       port,
		logger:     logger.Named("health"),
	}
}

// AddSQLServer registra um pool SQL Server, reportado como sqlserver-<name>.
func (c *Checker) AddSQLServer(name string, p Pinger) {
	c.add(target{name: "sqlserver-" + name, pinger: p, timeout: sqlServerTimeout})
}

// AddRedis registra o Redis do coordenador.
func (c *Checker) AddRedis(p Pinger) {
	c.add(target{name: "redis", pinger: p, timeout: redisTimeout})
}

func (c *Checker) add(t target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	c.mu.RLock()
	targets := append([]target(nil), c.targets...)
	c.mu.RUnlock()

	components := make([]ComponentHealth, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			components[i] = c.checkTarget(ctx, t)
		}(i, t)
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkTarget verifica um componente com ping e, quando suportado, versão.
func (c *Checker) checkTarget(ctx context.Context, t target) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.pinger.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		c.logger.Warn("component unhealthy", zap.String("component", t.name), zap.Error(err))
		return ComponentHealth{
			Name:    t.name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: latency.String(),
		}
	}

	message := "connected"
	if v, ok := t.pinger.(versioner); ok {
		// Também verificar versão do servidor
		version, err := v.Version(ctx)
		switch {
		case err != nil:
			message = "connected (version check failed)"
		case len(version) > maxVersionLength:
			// Truncar string de versão para legibilidade
			message = version[:maxVersionLength] + "..."
		case version != "":
			message = version
		}
	}

	return ComponentHealth{
		Name:    t.name,
		Status:  StatusHealthy,
		Message: message,
		Latency: latency.String(),
	}
}

// Handler retorna as rotas HTTP de health check.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		status := http.StatusOK
		if rep.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// ServeHTTP inicia o servidor HTTP de health check.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	addr := fmt.Sprintf(":%d", c.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		c.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
