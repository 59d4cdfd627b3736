package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *validator.Validate
	ledger    *CreditLedgerService
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"manager@example.com"` // Manager email
	Password string `json:"password" validate:"required,min=8" example:"password123"`      // Password
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email" example:"manager@example.com"` // Manager email
	Password string `json:"password" validate:"required,min=8" example:"password123"`      // Password
	FullName string `json:"fullName" validate:"required,min=2" example:"Ana Torres"`       // Manager full name
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token   string  `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."` // JWT token
	Manager Manager `json:"manager"`                                                 // Manager information
}

// Manager represents a manager profile with its credit balance
// @Description Manager profile structure
type Manager struct {
	ManagerID string `json:"managerId" example:"3d1d9f3e-6f58-4f52-a9a1-2d0f4d1a9c10"` // Manager ID
	Email     string `json:"email" example:"manager@example.com"`                      // Manager email
	FullName  string `json:"fullName" example:"Ana Torres"`                            // Manager full name
	Role      string `json:"role" example:"manager"`                                   // Role (manager or operator)
	Balance   int64  `json:"balance" example:"50"`                                     // Credit balance
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, ledger *CreditLedgerService) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: validator.New(),
		ledger:    ledger,
	}
}

func (s *AuthService) sendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	SendErrorResponse(w, message, statusCode, validationErr)
}

// Register handles manager registration
// @Summary Register a new account manager
// @Description Register a manager with email, password and name; creates the credit account at zero balance
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 200 {object} AuthResponse "Registration successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 409 {string} string "Email already exists"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		s.sendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		s.sendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		s.sendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		s.sendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	managerID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[AUTH] Transaction start failed for %s: %v", req.Email, err)
		s.sendErrorResponse(w, "Failed to create manager", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO managers (manager_id, email, password_hash, full_name, role) VALUES ($1, $2, $3, $4, 'manager')",
		managerID, strings.ToLower(req.Email), hashedPassword, req.FullName)
	if err != nil {
		log.Printf("[AUTH] Manager creation failed for %s: %v", req.Email, err)
		s.sendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}

	// A manager always has a credit account, starting empty.
	_, err = tx.Exec("INSERT INTO manager_accounts (manager_id, balance, updated_at) VALUES ($1, 0, NOW())", managerID)
	if err != nil {
		log.Printf("[AUTH] Credit account creation failed for %s: %v", req.Email, err)
		s.sendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	if err = tx.Commit(); err != nil {
		log.Printf("[AUTH] Transaction commit failed for %s: %v", req.Email, err)
		s.sendErrorResponse(w, "Failed to create manager", http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(managerID, "manager")
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for manager %s: %v", managerID, err)
		s.sendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for manager %s", managerID)
	writeJSON(w, http.StatusOK, AuthResponse{
		Token:   token,
		Manager: Manager{ManagerID: managerID, Email: strings.ToLower(req.Email), FullName: req.FullName, Role: "manager"},
	})
}

// Login handles manager authentication
// @Summary Login manager
// @Description Authenticate a manager with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Invalid credentials"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		s.sendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		s.sendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		s.sendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var manager Manager
	var hashedPassword string
	err := s.db.QueryRow("SELECT manager_id, email, full_name, role, password_hash FROM managers WHERE email = $1",
		strings.ToLower(req.Email)).Scan(&manager.ManagerID, &manager.Email, &manager.FullName, &manager.Role, &hashedPassword)
	if err != nil {
		log.Printf("[AUTH] Manager not found for email: %s", req.Email)
		s.sendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for manager: %s", manager.ManagerID)
		s.sendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if balance, err := s.ledger.GetBalance(r.Context(), manager.ManagerID); err == nil {
		manager.Balance = balance
	}

	token, err := generateJWT(manager.ManagerID, manager.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for manager %s: %v", manager.ManagerID, err)
		s.sendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for manager %s", manager.ManagerID)
	writeJSON(w, http.StatusOK, AuthResponse{Token: token, Manager: manager})
}

// Logout handles manager logout
// @Summary Logout manager
// @Description Logout manager and blacklist token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// GetAccount retrieves the authenticated manager's profile and balance
// @Summary Get manager account details
// @Description Get the authenticated manager's profile and credit balance
// @Tags auth
// @Produce json
// @Success 200 {object} Manager "Manager account details"
// @Failure 401 {string} string "Unauthorized"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/account [get]
func (s *AuthService) GetAccount(w http.ResponseWriter, r *http.Request) {
	managerKey, ok := r.Context().Value("userID").(string)
	if !ok || managerKey == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	managerID, err := s.ledger.ResolveManagerID(r.Context(), managerKey)
	if err != nil {
		if err == ErrManagerNotFound {
			http.Error(w, "Manager not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch manager details", http.StatusInternalServerError)
		}
		return
	}

	var manager Manager
	err = s.db.QueryRow("SELECT manager_id, email, full_name, role FROM managers WHERE manager_id = $1",
		managerID).Scan(&manager.ManagerID, &manager.Email, &manager.FullName, &manager.Role)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Manager not found", http.StatusNotFound)
		} else {
			log.Printf("[AUTH] Failed to fetch manager %s: %v", managerID, err)
			http.Error(w, "Failed to fetch manager details", http.StatusInternalServerError)
		}
		return
	}

	if balance, err := s.ledger.GetBalance(r.Context(), managerID); err == nil {
		manager.Balance = balance
	}

	writeJSON(w, http.StatusOK, manager)
}

func generateJWT(managerID, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": managerID,
		"role":    role,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
