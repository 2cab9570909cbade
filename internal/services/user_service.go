package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chat-core/internal/models"
	"chat-core/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	maxNameLength    = 64
)

// Identity is the authenticated caller carried by every request.
type Identity struct {
	UserID   int
	Username string
}

type UserService struct {
	users      store.UserStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewUserService(users store.UserStore, secret string, accessTTL, refreshTTL time.Duration) *UserService {
	return &UserService{
		users:      users,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *UserService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, invalid("username", "required")
	}
	if len(req.Password) < 6 {
		return nil, invalid("password", "must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:     username,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
	}
	if err := s.users.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(user)
}

// Refresh exchanges a refresh token for a new token pair.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*models.AuthResponse, error) {
	id, err := s.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return s.issue(user)
}

func (s *UserService) issue(user models.User) (*models.AuthResponse, error) {
	access, err := s.GenerateJWT(user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	refresh, err := s.GenerateRefreshToken(user.ID, user.Username)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{
		Token:        access,
		RefreshToken: refresh,
		Username:     user.Username,
		UserID:       user.ID,
	}, nil
}

func (s *UserService) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.users.ListUsers(ctx)
}

func (s *UserService) GetProfile(ctx context.Context, userID int) (*models.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) DeleteAccount(ctx context.Context, userID int) error {
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// UpdateProfile sets the user's name parts. Empty strings clear them.
func (s *UserService) UpdateProfile(ctx context.Context, userID int, firstName, lastName *string) (*models.User, error) {
	clean := func(field string, v *string) (*string, error) {
		if v == nil {
			return nil, nil
		}
		t := strings.TrimSpace(*v)
		if t == "" {
			return nil, nil
		}
		if utf8.RuneCountInString(t) > maxNameLength {
			return nil, invalid(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
		}
		return &t, nil
	}
	first, err := clean("first_name", firstName)
	if err != nil {
		return nil, err
	}
	last, err := clean("last_name", lastName)
	if err != nil {
		return nil, err
	}

	user, err := s.users.UpdateUserNames(ctx, userID, first, last)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *UserService) GenerateJWT(userID int, username string) (string, error) {
	return s.sign(userID, username, tokenTypeAccess, s.accessTTL)
}

func (s *UserService) GenerateRefreshToken(userID int, username string) (string, error) {
	return s.sign(userID, username, tokenTypeRefresh, s.refreshTTL)
}

func (s *UserService) sign(userID int, username, typ string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"typ":      typ,
		"exp":      time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks an access token and returns the caller identity.
func (s *UserService) ValidateToken(tokenString string) (Identity, error) {
	return s.validate(tokenString, tokenTypeAccess)
}

// ValidateRefreshToken checks a refresh token and returns its identity.
func (s *UserService) ValidateRefreshToken(tokenString string) (Identity, error) {
	return s.validate(tokenString, tokenTypeRefresh)
}

func (s *UserService) validate(tokenString, typ string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if claims["typ"] != typ {
		return Identity{}, ErrInvalidToken
	}
	// claims["user_id"] comes as float64 from JSON
	uid, ok := claims["user_id"].(float64)
	if !ok || uid <= 0 {
		return Identity{}, ErrInvalidToken
	}
	username, _ := claims["username"].(string)

	return Identity{UserID: int(uid), Username: username}, nil
}
