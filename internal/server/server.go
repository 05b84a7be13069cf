// ============================================================================
// Exposure Pipeline Debug API
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 本機除錯用 HTTP API，提供狀態查詢與手動操作
//
// 路由:
//   GET  /health          存活檢查
//   GET  /status          checkpoint、上次偵測、上次錯誤、曝險數、目前狀態
//   GET  /exposures       曝險紀錄
//   GET  /last-processed  最後處理的金鑰檔案
//   GET  /journal?n=20    最近的執行日誌
//   GET  /work            排程器中的工作
//   GET  /metrics         Prometheus 指標
//   POST /detect          立即執行一次偵測
//   POST /reconcile       立即執行一次對帳
//   POST /reset           清除曝險紀錄與 checkpoint
//   POST /engine/start    啟用引擎（並恢復週期排程）
//   POST /engine/stop     停用引擎（並取消週期排程）
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/exposure-pipeline/internal/controller"
	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/scheduler"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// DefaultJournalLimit /journal 未指定 n 時返回的筆數
const DefaultJournalLimit = 20

// Detector 偵測流程
type Detector interface {
	Run(ctx context.Context) controller.Result
	State() controller.State
	LastResult() (controller.Result, bool)
	StartEngine(ctx context.Context) error
	StopEngine(ctx context.Context) error
}

// Reconciler 對帳器
type Reconciler interface {
	Run(ctx context.Context) (bool, error)
}

// JournalReader 執行日誌的讀取端
type JournalReader interface {
	Recent(n int) ([]wal.Event, error)
}

// WorkLister 排程器的工作列表
type WorkLister interface {
	List() []scheduler.Work
}

// Deps Server 的相依元件
type Deps struct {
	Detector   Detector
	Reconciler Reconciler
	Store      store.Store
	Journal    JournalReader                                 // 可為 nil
	Work       WorkLister                                    // 可為 nil
	OnEngine   func(ctx context.Context, enabled bool) error // 引擎啟停後呼叫，可為 nil
}

// Server 除錯 API
type Server struct {
	deps Deps
	log  *slog.Logger
}

// New 建立除錯 API
func New(deps Deps) *Server {
	return &Server{deps: deps, log: logging.New("server")}
}

// Router 返回註冊好所有路由的 mux.Router
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/exposures", s.handleExposures).Methods(http.MethodGet)
	r.HandleFunc("/last-processed", s.handleLastProcessed).Methods(http.MethodGet)
	r.HandleFunc("/journal", s.handleJournal).Methods(http.MethodGet)
	r.HandleFunc("/work", s.handleWork).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/engine/{action:start|stop}", s.handleEngine).Methods(http.MethodPost)
	return r
}

// ListenAndServe 在 addr 上提供 API，ctx 取消時優雅關閉
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Debug API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Status 管線狀態摘要
type Status struct {
	State             string             `json:"state,omitempty"`
	LastProcessedFile string             `json:"last_processed_file,omitempty"`
	LastDetection     *time.Time         `json:"last_detection,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	Exposures         int                `json:"exposures"`
	LastRun           *controller.Result `json:"last_run,omitempty"`
}

// CollectStatus 從 store 讀取狀態摘要，status 指令與 /status 共用
func CollectStatus(ctx context.Context, st store.Store) (Status, error) {
	var out Status
	ref, _, err := store.LastProcessedFile(ctx, st)
	if err != nil {
		return out, err
	}
	out.LastProcessedFile = ref

	if t, ok, err := store.LastDetection(ctx, st); err != nil {
		return out, err
	} else if ok {
		out.LastDetection = &t
	}

	msg, _, err := store.LastError(ctx, st)
	if err != nil {
		return out, err
	}
	out.LastError = msg

	recs, err := st.ListExposures(ctx)
	if err != nil {
		return out, err
	}
	out.Exposures = len(recs)
	return out, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := CollectStatus(r.Context(), s.deps.Store)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Detector != nil {
		st.State = string(s.deps.Detector.State())
		if last, ok := s.deps.Detector.LastResult(); ok {
			st.LastRun = &last
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExposures(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListExposures(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []types.ExposureRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLastProcessed(w http.ResponseWriter, r *http.Request) {
	ref, ok, err := store.LastProcessedFile(r.Context(), s.deps.Store)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"last_processed_file": ref})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeJSON(w, http.StatusOK, []wal.Event{})
		return
	}
	n := DefaultJournalLimit
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = parsed
	}
	events, err := s.deps.Journal.Recent(n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []wal.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	if s.deps.Work == nil {
		s.writeJSON(w, http.StatusOK, []scheduler.Work{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Work.List())
}

// ============================================================================
// 操作
// ============================================================================

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	// 用戶端斷線不中斷偵測
	res := s.deps.Detector.Run(context.WithoutCancel(r.Context()))
	code := http.StatusOK
	if res.Outcome == types.OutcomeFailure {
		code = statusFor(res.Err())
	}
	s.writeJSON(w, code, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Reconciler.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"new_exposure": found})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ResetExposures(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("Exposures and checkpoint reset via debug API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enable := mux.Vars(r)["action"] == "start"

	var err error
	if enable {
		err = s.deps.Detector.StartEngine(ctx)
	} else {
		err = s.deps.Detector.StopEngine(ctx)
	}
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if s.deps.OnEngine != nil {
		if err := s.deps.OnEngine(ctx, enable); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// 回應
// ============================================================================

// statusFor 把引擎錯誤種類對應到 HTTP 狀態碼
func statusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.KindDisabled:
		return http.StatusConflict
	case engine.KindPermissionRequired:
		return http.StatusForbidden
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	case engine.KindUnsupported:
		return http.StatusNotImplemented
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
