package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"fadebin/cfg"
	"fadebin/pkg/domain"
	"fadebin/svc/svc"
	"fadebin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content     string `json:"content"`
	Title       string `json:"title,omitempty"`
	Language    string `json:"language,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	TokenLength int    `json:"token_length,omitempty"`
	MaxViews    *int64 `json:"max_views,omitempty"`
	IsPublic    bool   `json:"is_public,omitempty"`
}

type CreateResp struct {
	Token     string `json:"token"`
	Title     string `json:"title"`
	Language  string `json:"language"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	MaxViews  *int64 `json:"max_views,omitempty"`
	IsPublic  bool   `json:"is_public"`
}

type RenewResp struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type ExploreResp struct {
	Pastes []domain.Paste `json:"pastes"`
	Total  int64          `json:"total"`
	Limit  int64          `json:"limit"`
	Offset int64          `json:"offset"`
}

type ExploreItemResp struct {
	Paste  *domain.Paste `json:"paste"`
	Total  int64         `json:"total"`
	Offset int64         `json:"offset"`
}

type PresetsResp struct {
	TTLPresets   []int64 `json:"ttl_presets"`
	TokenLengths []int   `json:"token_lengths"`
	MaxPasteSize int64   `json:"max_paste_size"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	limit := h.cfg.MaxPasteSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Content == "" {
		log.Warn().Msg("empty content")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxPasteSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}

	params := domain.CreateParams{
		Title:       sanitizeText(req.Title),
		Content:     sanitizeText(req.Content),
		Language:    req.Language,
		ExpiresIn:   req.ExpiresIn,
		TokenLength: req.TokenLength,
		MaxViews:    req.MaxViews,
		IsPublic:    req.IsPublic,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("failed to create paste")
		if errors.Is(err, domain.ErrPasteTooLarge) ||
			errors.Is(err, domain.ErrContentRequired) ||
			errors.Is(err, domain.ErrTokenExhausted) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("token", util.TruncToken(paste.Token)).
		Int64("expires_at", paste.ExpiresAt).
		Bool("public", paste.IsPublic).
		Bool("burn_limited", paste.BurnLimited()).
		Msg("paste created")
	resp := CreateResp{
		Token:     paste.Token,
		Title:     paste.Title,
		Language:  paste.Language,
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
		MaxViews:  paste.MaxViews,
		IsPublic:  paste.IsPublic,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	paste, err := h.paste.Get(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Warn().Err(err).Str("token", util.TruncToken(token)).Msg("get failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("token", util.TruncToken(token)).
		Int64("views", paste.Views).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(paste)
}

// GetRawPaste serves the bare content for curl and piping. It counts a view
// like the JSON endpoint does.
func (h *Hdl) GetRawPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	content, err := h.paste.GetRaw(r.Context(), token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Warn().Err(err).Str("token", util.TruncToken(token)).Msg("raw get failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "paste-"+token+".txt"))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *Hdl) RenewPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	newExpiry, err := h.paste.Renew(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) || errors.Is(err, domain.ErrRenewDeclined) {
			writeErr(w, err, requestID)
			return
		}
		log.Warn().Err(err).Str("token", util.TruncToken(token)).Msg("renew failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("token", util.TruncToken(token)).
		Int64("expires_at", newExpiry).
		Msg("paste renewed")
	json.NewEncoder(w).Encode(RenewResp{Token: token, ExpiresAt: newExpiry})
}

func (h *Hdl) Explore(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	limit := queryInt64(r, "limit", int64(h.cfg.ExplorePageLimit))
	offset := queryInt64(r, "offset", 0)
	pastes, total, err := h.paste.Explore(r.Context(), limit, offset)
	if err != nil {
		log.Warn().Err(err).Msg("explore failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if pastes == nil {
		pastes = []domain.Paste{}
	}
	json.NewEncoder(w).Encode(ExploreResp{
		Pastes: pastes,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *Hdl) ExploreItem(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	offset := queryInt64(r, "offset", 0)
	paste, total, err := h.paste.ExploreAt(r.Context(), offset)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Warn().Err(err).Msg("explore item failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(ExploreItemResp{
		Paste:  paste,
		Total:  total,
		Offset: offset,
	})
}

func (h *Hdl) GetStats(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	stats, err := h.paste.Stats(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("stats failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(PresetsResp{
		TTLPresets:   h.cfg.TTLPresetsSecs,
		TokenLengths: h.cfg.TokenLengths,
		MaxPasteSize: h.cfg.MaxPasteSize,
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      resp.Error,
		"request_id": requestID,
	})
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// sanitizeText NFC-normalizes input and strips control characters other
// than newline, carriage return and tab. Content is stored verbatim
// otherwise; escaping is the renderer's job.
func sanitizeText(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
