package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"geoattend/internal/apperr"
	"geoattend/internal/model"
)

// AdminStore is the persistence the auth service needs.
type AdminStore interface {
	FindByUsername(ctx context.Context, username string) (*model.Admin, error)
	Create(ctx context.Context, a model.Admin) error
}

// Config defines token issuance.
type Config struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
}

// LoginRequest is the admin login payload.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required"`
}

// CreateAdminRequest is the admin creation payload.
type CreateAdminRequest struct {
	Username string `json:"username" validate:"required,min=3,max=100"`
	Password string `json:"password" validate:"required,min=8"`
}

// Service provides admin authentication use cases.
type Service struct {
	repo      AdminStore
	hasher    Hasher
	validator *validator.Validate
	logger    *zap.Logger
	config    Config
}

// NewService constructs a Service.
func NewService(repo AdminStore, hasher Hasher, validate *validator.Validate, logger *zap.Logger, config Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = 15 * time.Minute
	}
	return &Service{repo: repo, hasher: hasher, validator: validate, logger: logger, config: config}
}

// Login authenticates an admin and returns an access token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Token, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := s.validator.Struct(req); err != nil {
		return Token{}, apperr.Wrap(err, apperr.ErrValidation, "invalid login payload")
	}

	admin, err := s.repo.FindByUsername(ctx, req.Username)
	if err != nil {
		return Token{}, apperr.Wrap(err, apperr.ErrInternal, "failed to fetch admin")
	}
	if admin == nil {
		return Token{}, apperr.Clone(apperr.ErrUnauthorized, "invalid username or password")
	}
	if err := s.hasher.Compare(admin.PasswordHash, req.Password); err != nil {
		s.logger.Info("admin login rejected", zap.String("username", req.Username))
		return Token{}, apperr.Clone(apperr.ErrUnauthorized, "invalid username or password")
	}

	token, err := Issue(admin.ID, RoleAdmin, s.config.Issuer, s.config.SigningKey, s.config.AccessTTL)
	if err != nil {
		return Token{}, apperr.Wrap(err, apperr.ErrInternal, "failed to create access token")
	}
	s.logger.Info("admin logged in", zap.String("admin_id", admin.ID))
	return token, nil
}

// CreateAdmin registers a new admin account.
func (s *Service) CreateAdmin(ctx context.Context, req CreateAdminRequest) (model.Admin, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := s.validator.Struct(req); err != nil {
		return model.Admin{}, apperr.Wrap(err, apperr.ErrValidation, "invalid admin payload")
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return model.Admin{}, apperr.Wrap(err, apperr.ErrInternal, "failed to hash password")
	}
	admin := model.Admin{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, admin); err != nil {
		if errors.Is(err, ErrAdminExists) {
			return model.Admin{}, apperr.Clone(apperr.ErrConflict, "username already taken")
		}
		return model.Admin{}, apperr.Wrap(err, apperr.ErrInternal, "failed to create admin")
	}
	return admin, nil
}
