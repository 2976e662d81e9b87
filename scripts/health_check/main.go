package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/pkg/config"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("🏥 Audit Core Health Check")
	fmt.Println("==========================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	// 1. Config check
	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)

	if cfg != nil {
		// 2. Journal directory check
		report.Services = append(report.Services, checkJournal(cfg))

		// 3. Index database check
		report.Services = append(report.Services, checkIndex(cfg))

		// 4. API server check
		report.Services = append(report.Services, checkAPIServer(ctx, cfg))

		// 5. gRPC health check (if enabled)
		if cfg.GRPCHealthAddr != "" {
			report.Services = append(report.Services, checkGRPCHealth(ctx, cfg))
		}
	}

	// Determine overall status
	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	// Print results
	fmt.Println()
	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	// Output JSON if requested
	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	// Exit code
	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := HealthStatus{
		Service:   "Configuration",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	cfg, err := config.FromEnv()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}

	status.Message = fmt.Sprintf("Port=%s FailClosed=%v", cfg.Port, cfg.AuditFailClosed)
	return cfg, status
}

func checkJournal(cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Audit Journal",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	j, err := persistence.OpenJournal(cfg.Store.Dir)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not usable: %v", err)
		return status
	}
	defer j.Close()

	// The writer needs to create day files.
	probe := filepath.Join(cfg.Store.Dir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not writable: %v", err)
		return status
	}
	_ = os.Remove(probe)

	days, err := j.Days()
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("List failed: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("%d day file(s)", len(days))
	return status
}

func checkIndex(cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Audit Index",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	ix, err := persistence.OpenIndex(cfg.Store.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer ix.Close()

	if err := ix.Ping(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	status.Message = "Connected"
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "API Server",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	var body struct {
		Status        string `json:"status"`
		AuditDegraded bool   `json:"audit_degraded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.AuditDegraded {
		status.Status = "DEGRADED"
		status.Message = "Running, audit log degraded"
		return status
	}

	status.Message = "Running"
	return status
}

func checkGRPCHealth(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "gRPC Health",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	conn, err := grpc.NewClient(cfg.GRPCHealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Dial failed: %v", err)
		return status
	}
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: monitor.ServiceName})
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Check failed: %v", err)
		return status
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status.Status = "DEGRADED"
	}
	status.Message = fmt.Sprintf("%s: %s", monitor.ServiceName, resp.GetStatus())
	return status
}
