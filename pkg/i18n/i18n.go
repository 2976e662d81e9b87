package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting          string
	ConfigLoaded      string
	ConfigLoadFailed  string
	UsingAuditDir     string
	UsingDBPath       string
	ServerListening   string
	APIServerError    string
	ShuttingDown      string
	ShutdownComplete  string
	SystemMetricsInit string

	// Audit log
	StoreOpened       string
	StoreOpenFailed   string
	StoreFlushFailed  string
	StoreClosed       string
	AuditFailClosedOn string

	// Pipeline
	RiskEngineInit       string
	RiskEngineInitFailed string
	ExplainInit          string
	ExplainInitFailed    string
	EngineServiceInit    string
	EngineServiceFailed  string
	PolicyFileLoaded     string

	// Services
	ReconStarted       string
	ReconStartFailed   string
	GRPCHealthStarted  string
	GRPCHealthFailed   string
	AlertMonitorActive string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:          "Starting decision audit core...",
	ConfigLoaded:      "Config loaded (Port: %s)",
	ConfigLoadFailed:  "Failed to load config: %v",
	UsingAuditDir:     "Using audit journal directory: %s",
	UsingDBPath:       "Using DB path: %s",
	ServerListening:   "Server listening on :%s",
	APIServerError:    "API server error: %v",
	ShuttingDown:      "Shutting down gracefully...",
	ShutdownComplete:  "Shutdown complete.",
	SystemMetricsInit: "System metrics initialized",

	// Audit log
	StoreOpened:       "Audit log store opened (batch %d / %v, queue %d)",
	StoreOpenFailed:   "Failed to open audit log store: %v",
	StoreFlushFailed:  "Audit log flush failed: %v",
	StoreClosed:       "Audit log store closed, all events flushed.",
	AuditFailClosedOn: "Audit fail-closed enabled: decisions are blocked while the audit log is degraded",

	// Pipeline
	RiskEngineInit:       "Risk engine initialized: %d rules (tie break: %s)",
	RiskEngineInitFailed: "Risk engine init failed: %v",
	ExplainInit:          "Explanation generator initialized: %d templates",
	ExplainInitFailed:    "Explanation generator init failed: %v",
	EngineServiceInit:    "Decision orchestrator initialized",
	EngineServiceFailed:  "Decision orchestrator init failed: %v",
	PolicyFileLoaded:     "Policy file loaded: %s",

	// Services
	ReconStarted:       "Reconciliation service started",
	ReconStartFailed:   "Reconciliation service failed to start: %v",
	GRPCHealthStarted:  "gRPC health service listening on %s",
	GRPCHealthFailed:   "gRPC health service error: %v",
	AlertMonitorActive: "Alert monitor active (%d sinks)",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:          "啟動決策稽核核心...",
	ConfigLoaded:      "設定已載入（埠號：%s）",
	ConfigLoadFailed:  "讀取設定失敗：%v",
	UsingAuditDir:     "使用稽核日誌目錄：%s",
	UsingDBPath:       "使用資料庫路徑：%s",
	ServerListening:   "服務監聽於 :%s",
	APIServerError:    "API 伺服器錯誤：%v",
	ShuttingDown:      "正在優雅關閉...",
	ShutdownComplete:  "關閉完成。",
	SystemMetricsInit: "系統指標初始化完成",

	// Audit log
	StoreOpened:       "稽核日誌已開啟（批次 %d / %v，佇列 %d）",
	StoreOpenFailed:   "開啟稽核日誌失敗：%v",
	StoreFlushFailed:  "稽核日誌寫入失敗：%v",
	StoreClosed:       "稽核日誌已關閉，所有事件已寫入。",
	AuditFailClosedOn: "稽核失敗即拒絕已啟用：稽核日誌異常時所有決策將被阻擋",

	// Pipeline
	RiskEngineInit:       "風控引擎初始化：%d 條規則（同級判定：%s）",
	RiskEngineInitFailed: "風控引擎初始化失敗：%v",
	ExplainInit:          "說明產生器初始化：%d 個模板",
	ExplainInitFailed:    "說明產生器初始化失敗：%v",
	EngineServiceInit:    "決策協調器初始化完成",
	EngineServiceFailed:  "決策協調器初始化失敗：%v",
	PolicyFileLoaded:     "已載入政策檔：%s",

	// Services
	ReconStarted:       "對帳服務已啟動",
	ReconStartFailed:   "對帳服務啟動失敗：%v",
	GRPCHealthStarted:  "gRPC 健康檢查服務監聽於 %s",
	GRPCHealthFailed:   "gRPC 健康檢查服務錯誤：%v",
	AlertMonitorActive: "告警監控已啟動（%d 個通道）",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
