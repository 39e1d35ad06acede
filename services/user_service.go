package services

import (
	"context"
	"errors"
	"strings"

	"microlearn/models"
	"microlearn/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db        *gorm.DB
	jwtSecret string
}

func NewUserService(db *gorm.DB, jwtSecret string) *UserService {
	return &UserService{db: db, jwtSecret: jwtSecret}
}

// ResolveIdentity maps an identity-provider subject to the internal user, creating the row
// on first sight.
func (s *UserService) ResolveIdentity(ctx context.Context, externalID string) (*models.User, error) {
	if externalID == "" {
		return nil, errors.New("external id is required")
	}

	user, err := s.GetByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistErr("resolve identity", err)
	}

	user = &models.User{ExternalID: externalID}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		// A concurrent request may have provisioned the same subject.
		if existing, lookupErr := s.GetByExternalID(ctx, externalID); lookupErr == nil {
			return existing, nil
		}
		return nil, persistErr("provision user", err)
	}
	return user, nil
}

func (s *UserService) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&user).Error
	return &user, err
}

func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error
	return &user, err
}

func (s *UserService) Register(ctx context.Context, req *models.CreateUserRequest) (*models.AuthResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persistErr("lookup user", err)
	}

	user := &models.User{
		ExternalID: uuid.NewString(),
		Email:      &email,
		Username:   req.Username,
		Password:   req.Password,
	}
	if err := user.HashPassword(); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, persistErr("create user", err)
	}

	return s.issue(user)
}

func (s *UserService) Login(ctx context.Context, req *models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, persistErr("lookup user", err)
	}
	if !user.CheckPassword(req.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *UserService) issue(user *models.User) (*models.AuthResponse, error) {
	token, err := utils.GenerateJWT(user.ExternalID, s.jwtSecret)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{Token: token, User: user}, nil
}
