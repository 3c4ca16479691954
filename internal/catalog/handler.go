// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type bookListResponse struct {
	Books   []Book `json:"books"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	query := BookQuery{
		Search:  r.URL.Query().Get("search"),
		Genre:   r.URL.Query().Get("genre"),
		Page:    queryInt(r, "page", 1),
		PerPage: queryInt(r, "per_page", 10),
	}

	books, err := h.service.ListBooks(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}

	total, err := h.service.CountBooks(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(bookListResponse{
		Books:   books,
		Total:   total,
		Page:    query.Page,
		PerPage: query.PerPage,
	})
}

func (h *Handler) HandleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Title == "" || req.Author == "" {
		http.Error(w, "title and author are required", http.StatusBadRequest)
		return
	}
	if req.Quantity < 0 {
		http.Error(w, "quantity cannot be negative", http.StatusBadRequest)
		return
	}

	book, err := h.service.CreateBook(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	var patch BookPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid book ID", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGenres(w http.ResponseWriter, r *http.Request) {
	genres, err := h.service.Genres(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(genres)
}

func (h *Handler) HandleLowStock(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.LowStock(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(books)
}

func (h *Handler) HandleListPublishers(w http.ResponseWriter, r *http.Request) {
	publishers, err := h.service.ListPublishers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(publishers)
}

func (h *Handler) HandleCreatePublisher(w http.ResponseWriter, r *http.Request) {
	var req NewPublisher
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	publisher, err := h.service.CreatePublisher(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(publisher)
}

func (h *Handler) HandleGetPublisher(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid publisher ID", http.StatusBadRequest)
		return
	}

	publisher, err := h.service.GetPublisher(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(publisher)
}

func (h *Handler) HandleUpdatePublisher(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid publisher ID", http.StatusBadRequest)
		return
	}

	var req NewPublisher
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	publisher, err := h.service.UpdatePublisher(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(publisher)
}

func (h *Handler) HandleDeletePublisher(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid publisher ID", http.StatusBadRequest)
		return
	}

	if err := h.service.DeletePublisher(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrPublisherNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrBookHasActiveLoans):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidQuantity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "operation failed", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}
