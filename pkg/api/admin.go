package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/config"
)

const invalidRoleMessage = "role must be \"admin\" or \"user\""

// --- Uploader accounts ---

// handleListUsers returns every account that can read or upload simulations.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list users")

		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateUser adds a password account managed through the API.
func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if missing := missingFields(map[string]string{
		"username": req.Username,
		"password": req.Password,
	}); missing != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{missing + " required"})

		return
	}

	if !config.IsValidRole(req.Role) {
		writeJSON(w, http.StatusBadRequest, errorResponse{invalidRoleMessage})

		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalError(w, err, "Failed to hash password")

		return
	}

	user := &store.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		Source:       store.SourceAdmin,
	}

	switch err := s.store.CreateUser(r.Context(), user); {
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{"username already exists"})
	case err != nil:
		s.internalError(w, err, "Failed to create user")
	default:
		writeJSON(w, http.StatusCreated, toUserResponse(user))
	}
}

type updateUserRequest struct {
	Password *string `json:"password,omitempty"`
	Role     *string `json:"role,omitempty"`
}

// handleUpdateUser changes an API-managed account's password, role or both.
// Config-seeded accounts are rewritten on every start, and a GitHub
// account's role follows the role mappings at each login.
func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}

	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if current := userFromContext(r.Context()); current != nil &&
		current.ID == user.ID && req.Role != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"cannot change your own role"})

		return
	}

	if msg := lockedUser(user, req); msg != "" {
		writeJSON(w, http.StatusConflict, errorResponse{msg})

		return
	}

	if req.Role != nil {
		if !config.IsValidRole(*req.Role) {
			writeJSON(w, http.StatusBadRequest, errorResponse{invalidRoleMessage})

			return
		}

		user.Role = *req.Role
	}

	if req.Password != nil && *req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.internalError(w, err, "Failed to hash password")

			return
		}

		user.PasswordHash = string(hash)
	}

	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.internalError(w, err, "Failed to update user")

		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// lockedUser reports why req cannot be applied to user, or "".
func lockedUser(user *store.User, req updateUserRequest) string {
	switch user.Source {
	case store.SourceConfig:
		return fmt.Sprintf("user %q is managed by configuration", user.Username)
	case store.SourceGitHub:
		if req.Role != nil {
			return fmt.Sprintf("role of GitHub user %q follows the role mappings", user.Username)
		}

		if req.Password != nil {
			return fmt.Sprintf("GitHub user %q signs in through GitHub", user.Username)
		}
	}

	return ""
}

// handleDeleteUser removes an account. Simulations it created keep their
// created_by value.
func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}

	if current := userFromContext(r.Context()); current != nil && current.ID == user.ID {
		writeJSON(w, http.StatusBadRequest, errorResponse{"cannot delete yourself"})

		return
	}

	if user.Source == store.SourceConfig {
		writeJSON(w, http.StatusConflict,
			errorResponse{fmt.Sprintf("user %q is managed by configuration", user.Username)})

		return
	}

	switch err := s.store.DeleteUser(r.Context(), user.ID); {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"user not found"})
	case err != nil:
		s.internalError(w, err, "Failed to delete user")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// userParam loads the user named by {id}, answering 400 or 404 itself.
func (s *server) userParam(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return nil, false
	}

	user, err := s.store.GetUserByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"user not found"})

		return nil, false
	case err != nil:
		s.internalError(w, err, "Failed to get user")

		return nil, false
	}

	return user, true
}

// --- GitHub role mappings ---

type orgMappingRequest struct {
	Org  string `json:"org"`
	Role string `json:"role"`
}

type userMappingRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *server) handleListOrgMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListGitHubOrgMappings(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list org mappings")

		return
	}

	writeJSON(w, http.StatusOK, mappings)
}

// handleUpsertOrgMapping grants a role to every member of a GitHub org.
// Org names are stored lowercased.
func (s *server) handleUpsertOrgMapping(w http.ResponseWriter, r *http.Request) {
	var req orgMappingRequest
	if !decodeBody(w, r, &req) || !validMapping(w, "org", req.Org, req.Role) {
		return
	}

	mapping := &store.GitHubOrgMapping{Org: strings.ToLower(req.Org), Role: req.Role}

	if err := s.store.UpsertGitHubOrgMapping(r.Context(), mapping); err != nil {
		s.internalError(w, err, "Failed to upsert org mapping")

		return
	}

	writeJSON(w, http.StatusOK, mapping)
}

func (s *server) handleDeleteOrgMapping(w http.ResponseWriter, r *http.Request) {
	s.deleteMapping(w, r, "org mapping", s.store.DeleteGitHubOrgMapping)
}

func (s *server) handleListUserMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListGitHubUserMappings(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list user mappings")

		return
	}

	writeJSON(w, http.StatusOK, mappings)
}

// handleUpsertUserMapping pins the role of one GitHub login, overriding any
// org mapping.
func (s *server) handleUpsertUserMapping(w http.ResponseWriter, r *http.Request) {
	var req userMappingRequest
	if !decodeBody(w, r, &req) || !validMapping(w, "username", req.Username, req.Role) {
		return
	}

	mapping := &store.GitHubUserMapping{Username: strings.ToLower(req.Username), Role: req.Role}

	if err := s.store.UpsertGitHubUserMapping(r.Context(), mapping); err != nil {
		s.internalError(w, err, "Failed to upsert user mapping")

		return
	}

	writeJSON(w, http.StatusOK, mapping)
}

func (s *server) handleDeleteUserMapping(w http.ResponseWriter, r *http.Request) {
	s.deleteMapping(w, r, "user mapping", s.store.DeleteGitHubUserMapping)
}

func validMapping(w http.ResponseWriter, field, value, role string) bool {
	if value == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{field + " is required"})

		return false
	}

	if !config.IsValidRole(role) {
		writeJSON(w, http.StatusBadRequest, errorResponse{invalidRoleMessage})

		return false
	}

	return true
}

func (s *server) deleteMapping(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	remove func(ctx context.Context, id uint) error,
) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	switch err := remove(r.Context(), id); {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{kind + " not found"})
	case err != nil:
		s.internalError(w, err, "Failed to delete "+kind)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// decodeBody decodes a JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return false
	}

	return true
}

// parseIDParam extracts and validates the {id} URL parameter.
func parseIDParam(r *http.Request) (uint, error) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		return 0, fmt.Errorf("id parameter is required")
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}

	return uint(id), nil
}
