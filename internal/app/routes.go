package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/roomhive/roomhive/internal/call"
	"github.com/roomhive/roomhive/internal/identity"
	"github.com/roomhive/roomhive/internal/market"
	"github.com/roomhive/roomhive/internal/store"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, identity.ErrBadPassphrase):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, call.ErrAlreadyInCall):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrJoinTimeout), errors.Is(err, call.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", a.gateway.Handler())
	mux.Handle("/blobs/", http.StripPrefix("/blobs/", a.blobs.Handler()))

	mux.HandleFunc("/api/self", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, email := a.ident.Current()
		cfg := a.config()
		writeJSON(w, map[string]string{
			"id":    id,
			"label": cfg.Profile.Label,
			"email": email,
			"city":  cfg.Profile.City,
		})
	})

	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ Label, Email, Passphrase string }
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.ident.Register(req.Label, req.Email, req.Passphrase); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "registered", "id": a.ident.UserID()})
	})

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ Passphrase string }
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.ident.Verify(req.Passphrase); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, a.peers.List())
	})

	a.registerListingRoutes(mux)
	a.registerBookingRoutes(mux)
	a.registerChatRoutes(mux)
	a.registerCallRoutes(mux)
}

func (a *App) registerListingRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/listings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			out, err := a.db.ListListings(r.URL.Query().Get("city"))
			if err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, out)
		case http.MethodPost:
			var req struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				City        string `json:"city"`
				PriceCents  int64  `json:"priceCents"`
				PhotoName   string `json:"photoName"`
				PhotoB64    string `json:"photoB64"`
			}
			if !readJSON(w, r, &req) {
				return
			}
			var photo []byte
			if req.PhotoB64 != "" {
				b, err := base64.StdEncoding.DecodeString(req.PhotoB64)
				if err != nil {
					http.Error(w, "invalid photo encoding", http.StatusBadRequest)
					return
				}
				photo = b
			}
			l, err := a.market.CreateListing(a.node.ID(), req.Title, req.Description, req.City, req.PriceCents, req.PhotoName, photo)
			if err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, l)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/listings/{id}, /api/listings/{id}/reviews
	mux.HandleFunc("/api/listings/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/listings/")
		parts := strings.SplitN(tail, "/", 2)
		id := parts[0]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 2 && parts[1] == "reviews" {
			a.handleReviews(w, r, id)
			return
		}
		if len(parts) == 2 {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			l, err := a.db.GetListing(id)
			if err != nil {
				apiError(w, err)
				return
			}
			html, err := a.market.RenderDescription(id)
			if err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, map[string]any{"listing": l, "descriptionHtml": html})
		case http.MethodPut:
			var l store.Listing
			if !readJSON(w, r, &l) {
				return
			}
			l.ID = id
			if err := a.market.UpdateListing(a.node.ID(), l); err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "updated"})
		case http.MethodDelete:
			if err := a.market.DeleteListing(a.node.ID(), id); err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "deleted"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (a *App) handleReviews(w http.ResponseWriter, r *http.Request, listingID string) {
	switch r.Method {
	case http.MethodGet:
		out, err := a.db.ListReviews(listingID)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, out)
	case http.MethodPost:
		var req struct {
			Rating int    `json:"rating"`
			Body   string `json:"body"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.market.AddReview(a.node.ID(), listingID, req.Rating, req.Body); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "reviewed"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) registerBookingRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/bookings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			out, err := a.db.ListBookingsByGuest(a.node.ID())
			if err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, out)
		case http.MethodPost:
			var req struct {
				ListingID string `json:"listingId"`
				CheckIn   string `json:"checkIn"`
				CheckOut  string `json:"checkOut"`
			}
			if !readJSON(w, r, &req) {
				return
			}
			b, err := a.market.RequestBooking(a.node.ID(), req.ListingID, req.CheckIn, req.CheckOut)
			if err != nil {
				apiError(w, err)
				return
			}
			writeJSON(w, b)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/bookings/{id}/respond, /api/bookings/{id}/complete
	mux.HandleFunc("/api/bookings/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/bookings/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			http.NotFound(w, r)
			return
		}
		id, action := parts[0], parts[1]
		switch action {
		case "respond":
			var req struct {
				Accept bool `json:"accept"`
			}
			if !readJSON(w, r, &req) {
				return
			}
			if err := a.market.RespondBooking(a.node.ID(), id, req.Accept); err != nil {
				apiError(w, err)
				return
			}
		case "complete":
			if err := a.market.CompleteBooking(a.node.ID(), id); err != nil {
				apiError(w, err)
				return
			}
		default:
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func (a *App) registerChatRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		out, err := a.db.ListConversations(a.node.ID())
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, out)
	})

	// /api/conversations/{id}/messages
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
			http.NotFound(w, r)
			return
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		out, err := a.db.ListMessages(parts[0], limit)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ To, Body string }
		if !readJSON(w, r, &req) {
			return
		}
		msg, err := a.chat.SendDirect(r.Context(), req.To, req.Body)
		if err != nil {
			apiError(w, err)
			return
		}
		if err := a.calls.WatchConversation(msg.ConversationID); err != nil {
			log.Printf("APP: watch conversation %s: %v", msg.ConversationID, err)
		}
		writeJSON(w, msg)
	})
}

func (a *App) registerCallRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/call/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			PeerID string `json:"peerId"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		convID, err := a.db.EnsureConversation(a.node.ID(), req.PeerID)
		if err != nil {
			apiError(w, err)
			return
		}
		callID, err := a.calls.StartCall(r.Context(), convID, req.PeerID)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"callId": callID, "conversationId": convID})
	})

	mux.HandleFunc("/api/call/accept", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			CallID string `json:"callId"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.calls.AcceptCall(r.Context(), req.CallID); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	mux.HandleFunc("/api/call/reject", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			CallID string `json:"callId"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if err := a.calls.RejectCall(req.CallID); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	mux.HandleFunc("/api/call/end", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := a.calls.EndCall(); err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	mux.HandleFunc("/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, a.calls.Snapshot())
	})
}
