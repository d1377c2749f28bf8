package ops

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/opsgate/internal/domain"
	"github.com/xela07ax/opsgate/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

// AuthService выдает и проверяет RS256 токены операторов. Список
// операторов приходит из конфига: у движка нет пользовательского CRUD.
type AuthService struct {
	*auth.BaseValidator

	operators  map[string]domain.Operator // username -> operator
	privateKey *rsa.PrivateKey
	tokenTTL   time.Duration
}

func NewAuthService(operators []domain.Operator, publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey, tokenTTL time.Duration) *AuthService {
	byName := make(map[string]domain.Operator, len(operators))
	for _, op := range operators {
		byName[op.Username] = op
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(publicKey),
		operators:     byName,
		privateKey:    privateKey,
		tokenTTL:      tokenTTL,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, ok := s.operators[username]
	if !ok {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Claims: права оператора уезжают в scopes
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &domain.CustomClaims{
		UserID: op.ID,
		Scopes: op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "opsgate",
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись закрытым ключом (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
