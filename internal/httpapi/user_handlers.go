package httpapi

import (
	"net/http"

	"gatehouse.dev/internal/auth"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r)
		return
	}
	user, err := a.auth.User(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", profileOf(user))
}

// handleListUsers pages through active accounts. One extra row is fetched to
// learn whether a next page exists.
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "page "+err.Error())
		return
	}
	size, err := parsePositiveInt(q.Get("size"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "size "+err.Error())
		return
	}

	users, err := a.auth.Users(r.Context(), size+1, (page-1)*size)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	hasNext := len(users) > size
	if hasNext {
		users = users[:size]
	}
	profiles := make([]userProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, profileOf(u))
	}
	writeJSON(w, http.StatusOK, successResponse{
		Status: http.StatusOK,
		Data:   profiles,
		Metadata: listMetadata{Pagination: pagination{
			CurrentPage:     page,
			PageSize:        size,
			HasNextPage:     hasNext,
			HasPreviousPage: page > 1,
		}},
	})
}
