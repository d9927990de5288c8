package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/transfer"
)

// ListItems handles GET /api/items.
//
//	@Summary		List the caller's items, soonest expiry first
//	@Tags			items
//	@Produce		json
//	@Param			filter	query		string	false	"Status filter"	Enums(all, expiring_soon, expired)
//	@Param			q		query		string	false	"Text search over name, category and notes"
//	@Success		200		{object}	ItemListResponse
//	@Security		BearerAuth
//	@Router			/items [get]
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	q := r.URL.Query()

	items, counts, err := s.ListWithCounts(r.Context(), itemstore.ParseFilter(q.Get("filter")), q.Get("q"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Item{}
	}
	writeJSON(w, http.StatusOK, ItemListResponse{Items: items, Total: len(items), Counts: counts})
}

// Counts handles GET /api/counts.
func (h *Handler) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := sessionFrom(r).Counts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GetItem handles GET /api/items/{id}.
//
//	@Summary		Get a single item
//	@Tags			items
//	@Produce		json
//	@Param			id	path		string	true	"Item id"
//	@Success		200	{object}	models.Item
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/items/{id} [get]
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	it, err := sessionFrom(r).Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// CreateItem handles POST /api/items.
//
//	@Summary		Create an item
//	@Tags			items
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.ItemInput	true	"Item to create"
//	@Success		201		{object}	models.Item
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/items [post]
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var in models.ItemInput
	if !decodeJSON(w, r, &in) {
		return
	}
	it, err := sessionFrom(r).Add(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// UpdateItem handles PATCH /api/items/{id}. Omitted fields are unchanged.
//
//	@Summary		Update an item
//	@Tags			items
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Item id"
//	@Param			body	body		models.ItemPatch	true	"Fields to change"
//	@Success		200		{object}	models.Item
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/items/{id} [patch]
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var patch models.ItemPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	it, err := sessionFrom(r).Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// DeleteItem handles DELETE /api/items/{id}. Deleting a missing item is not an error.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Export handles GET /api/export?format=json|yaml.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := transfer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := sessionFrom(r).Export(r.Context(), &buf, f); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="larder-export`+f.Ext()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Import handles POST /api/import with a JSON or YAML export document as body.
// The document is validated as a whole before anything is created.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	n, err := sessionFrom(r).Import(r.Context(), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ImportResponse{Imported: n})
}
