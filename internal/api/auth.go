package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vertexads/finsync/internal/serverdb"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt input limit
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// tokenClaims is the JWT payload.
type tokenClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"nome"`
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"nome"`
}

// AuthResponse is returned by register, login and me.
type AuthResponse struct {
	Token string       `json:"token,omitempty"`
	User  UserResponse `json:"user"`
}

func userResponse(u *serverdb.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Name: u.DisplayName()}
}

// validateEmail trims and checks an email address.
func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email is required")
	}
	if !emailRegex.MatchString(email) {
		return "", errors.New("invalid email")
	}
	return email, nil
}

func validatePassword(password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("password must have at least %d characters", minPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("password must have at most %d bytes", maxPasswordLen)
	}
	return nil
}

// HashPassword hashes a password with the given bcrypt cost.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (s *Server) issueToken(u *serverdb.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.jwtKey())
}

func (s *Server) parseToken(raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.config.jwtKey(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token without user id")
	}
	return claims, nil
}

// decodeBody decodes a JSON request body, writing the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.config.AllowSignup {
		writeError(w, http.StatusForbidden, ErrCodeSignupDisabled, "signup is disabled")
		return
	}
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	hash, err := HashPassword(req.Password, s.config.BcryptCost)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("hash password")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to create user")
		return
	}
	u, err := s.store.CreateUser(r.Context(), email, req.Name, hash)
	if errors.Is(err, serverdb.ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, ErrCodeEmailTaken, "email already registered")
		return
	}
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("create user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to create user")
		return
	}

	token, err := s.issueToken(u)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("issue token")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}
	s.auditAuth(r, u.ID, u.Email, serverdb.AuthEventRegistered)
	writeJSON(w, http.StatusCreated, AuthResponse{Token: token, User: userResponse(u)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "password is required")
		return
	}

	u, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("lookup user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "login failed")
		return
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		s.metrics.RecordAuthFailure()
		uid := ""
		if u != nil {
			uid = u.ID
		}
		s.auditAuth(r, uid, email, serverdb.AuthEventLoginFailed)
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email or password")
		return
	}

	token, err := s.issueToken(u)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("issue token")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}
	s.auditAuth(r, u.ID, u.Email, serverdb.AuthEventLogin)
	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: userResponse(u)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	au := getUserFromContext(r.Context())
	u, err := s.store.GetUserByID(r.Context(), au.UserID)
	if err != nil {
		logFor(r.Context()).Error().Err(err).Msg("lookup user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load user")
		return
	}
	if u == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{User: userResponse(u)})
}

func (s *Server) auditAuth(r *http.Request, userID, email, event string) {
	if err := s.store.InsertAuthEvent(r.Context(), userID, email, event, clientIP(r)); err != nil {
		logFor(r.Context()).Error().Err(err).Str("event", event).Msg("log auth event")
	}
}
