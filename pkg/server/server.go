package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fluent/pkg/core"
	"fluent/pkg/deck"
	"fluent/pkg/picker"
	"fluent/pkg/session"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/gorilla/mux"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server exposes the decks over JSON. Core is not safe for concurrent use,
// so every handler holds mu while it talks to it.
type Server struct {
	core core.Core

	mdRenderer *html.Renderer
	policy     *bluemonday.Policy
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(core core.Core, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	htmlFlags := html.CommonFlags | html.HrefTargetBlank
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	return &Server{
		core:       core,
		mdRenderer: renderer,
		policy:     bluemonday.UGCPolicy(),
		logger:     logger,
		sessions:   make(map[string]*session.Session),
	}
}

func (s *Server) Register(router *mux.Router) {
	router.Use(s.logRequests)
	router.HandleFunc("/decks", s.HandleListDecks).Methods("GET")
	router.HandleFunc("/decks", s.HandleCreateDeck).Methods("POST")
	router.HandleFunc("/decks/{deck}", s.HandleDeleteDeck).Methods("DELETE")
	router.HandleFunc("/decks/{deck}/cards", s.HandleCreateCard).Methods("POST")
	router.HandleFunc("/decks/{deck}/cards/{card}", s.HandleEditCard).Methods("PUT")
	router.HandleFunc("/decks/{deck}/cards/{card}", s.HandleRemoveCard).Methods("DELETE")
	router.HandleFunc("/decks/{deck}/cards/{card}/stats", s.HandleStats).Methods("GET")
	router.HandleFunc("/decks/{deck}/move", s.HandleMove).Methods("POST")
	router.HandleFunc("/decks/{deck}/copy", s.HandleCopy).Methods("POST")
	router.HandleFunc("/decks/{deck}/next", s.HandleNext).Methods("GET")
	router.HandleFunc("/decks/{deck}/answer", s.HandleAnswer).Methods("POST")
	router.HandleFunc("/decks/{deck}/end", s.HandleEnd).Methods("POST")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrDeckNotFound), errors.Is(err, deck.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDeckBusy),
		errors.Is(err, deck.ErrDuplicateCard),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, picker.ErrEmptyDeck):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusInternalServerError {
		s.logger.Error("handle request", zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.respondError(w, statusOf(err), err)
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) render(md string) string {
	// parsers keep state between documents and cannot be reused
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.HardLineBreak)
	out := markdown.ToHTML([]byte(md), p, s.mdRenderer)
	return string(s.policy.SanitizeBytes(out))
}

type deckView struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Cards int    `json:"cards"`
}

type cardView struct {
	Key            string `json:"key"`
	Question       string `json:"question"`
	Correction     string `json:"correction"`
	QuestionHTML   string `json:"question_html,omitempty"`
	CorrectionHTML string `json:"correction_html,omitempty"`
}

func (s *Server) HandleListDecks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	decks := s.core.Decks()
	list := make([]deckView, len(decks))
	for i, d := range decks {
		list[i] = deckView{Key: d.Key, Title: d.Title, Cards: d.Len()}
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) HandleCreateDeck(w http.ResponseWriter, r *http.Request) {
	var reqBody struct {
		Title string `json:"title"`
	}
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.core.CreateDeck(reqBody.Title)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, deckView{Key: d.Key, Title: d.Title})
}

func (s *Server) HandleDeleteDeck(w http.ResponseWriter, r *http.Request) {
	deckKey := mux.Vars(r)["deck"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.core.DeleteDeck(deckKey); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleCreateCard(w http.ResponseWriter, r *http.Request) {
	deckKey := mux.Vars(r)["deck"]
	var reqBody struct {
		Question   string `json:"question"`
		Correction string `json:"correction"`
		Index      *int   `json:"index"`
	}
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.core.CreateCard(deckKey, reqBody.Question, reqBody.Correction, indexOr(reqBody.Index))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.core.Save(deckKey); err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, cardView{Key: c.Key, Question: c.Question, Correction: c.Correction})
}

func (s *Server) HandleEditCard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var reqBody struct {
		Question   string `json:"question"`
		Correction string `json:"correction"`
	}
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.core.EditCard(vars["deck"], vars["card"], reqBody.Question, reqBody.Correction); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.core.Save(vars["deck"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleRemoveCard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.core.RemoveCards([]string{vars["card"]}, vars["deck"]); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.core.Save(vars["deck"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	Cards       []string `json:"cards"`
	Destination string   `json:"destination"`
	Index       *int     `json:"index"`
}

func indexOr(index *int) int {
	if index == nil {
		return core.End
	}
	return *index
}

func (s *Server) HandleMove(w http.ResponseWriter, r *http.Request) {
	origin := mux.Vars(r)["deck"]
	var reqBody transferRequest
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.core.MoveCards(reqBody.Cards, origin, reqBody.Destination, indexOr(reqBody.Index)); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.save(origin, reqBody.Destination); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleCopy(w http.ResponseWriter, r *http.Request) {
	origin := mux.Vars(r)["deck"]
	var reqBody transferRequest
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copies, err := s.core.CopyCards(reqBody.Cards, origin, reqBody.Destination, indexOr(reqBody.Index))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.save(reqBody.Destination); err != nil {
		s.fail(w, err)
		return
	}
	list := make([]cardView, len(copies))
	for i, c := range copies {
		list[i] = cardView{Key: c.Key, Question: c.Question, Correction: c.Correction}
	}
	s.respondJSON(w, http.StatusCreated, list)
}

func (s *Server) save(deckKeys ...string) error {
	seen := make(map[string]bool)
	for _, k := range deckKeys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := s.core.Save(k); err != nil {
			return err
		}
	}
	return nil
}

// HandleNext starts a session on the deck if there is none and returns the
// card to answer. A card already in review is returned again.
func (s *Server) HandleNext(w http.ResponseWriter, r *http.Request) {
	deckKey := mux.Vars(r)["deck"]
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[deckKey]
	if !ok {
		var err error
		sess, err = s.core.Begin(deckKey)
		if err != nil {
			s.fail(w, err)
			return
		}
	}

	c := sess.Card()
	if sess.State() != session.InReview {
		var err error
		c, err = sess.PickNext()
		if err != nil {
			if !ok {
				if endErr := sess.End(); endErr != nil {
					s.logger.Error("end session", zap.String("deck", deckKey), zap.Error(endErr))
				}
			}
			s.fail(w, err)
			return
		}
	}
	s.sessions[deckKey] = sess
	s.respondJSON(w, http.StatusOK, cardView{
		Key:            c.Key,
		Question:       c.Question,
		Correction:     c.Correction,
		QuestionHTML:   s.render(c.Question),
		CorrectionHTML: s.render(c.Correction),
	})
}

func (s *Server) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	deckKey := mux.Vars(r)["deck"]
	var reqBody struct {
		Success bool `json:"success"`
	}
	if err := decode(r, &reqBody); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Wrap(err, "decode request body"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[deckKey]
	if !ok {
		s.fail(w, errors.Wrapf(session.ErrInvalidState, "no session on deck %q", deckKey))
		return
	}
	rec, err := sess.Submit(reqBody.Success)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) HandleEnd(w http.ResponseWriter, r *http.Request) {
	deckKey := mux.Vars(r)["deck"]
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[deckKey]
	if !ok {
		s.fail(w, errors.Wrapf(session.ErrInvalidState, "no session on deck %q", deckKey))
		return
	}
	delete(s.sessions, deckKey)
	if err := sess.End(); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.core.Save(deckKey); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsView struct {
	Box        int      `json:"box"`
	Interval   string   `json:"interval"`
	TargetTime *float64 `json:"target_time"`
	Score      string   `json:"score"`
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deckKey, cardKey := vars["deck"], vars["card"]
	s.mu.Lock()
	defer s.mu.Unlock()

	// scoring may move the box or set the target, so it goes first
	scores, err := s.core.Scores(deckKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	box, err := s.core.Box(deckKey, cardKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	interval, err := s.core.Interval(deckKey, cardKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	target, ok, err := s.core.TargetTime(deckKey, cardKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	view := statsView{Box: box, Interval: interval.String(), Score: scores[cardKey].String()}
	if ok {
		view.TargetTime = &target
	}
	s.respondJSON(w, http.StatusOK, view)
}

// Close ends every open session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sess := range s.sessions {
		delete(s.sessions, k)
		if err := sess.End(); err != nil {
			return err
		}
	}
	return nil
}
