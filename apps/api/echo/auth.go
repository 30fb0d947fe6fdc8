package echoapi

import (
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/directory"
)

var (
	// appJWTConfig is the default JWT auth middleware config; initAuth fills in
	// the signing key from the loaded configuration.
	appJWTConfig = middleware.JWTConfig{
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    "userToken",
		Claims:        new(Claims),
	}
	contextUserKey = "user"

	authConf *core.Config
)

func initAuth(conf *core.Config) {
	authConf = conf
	appJWTConfig.SigningKey = []byte(conf.SecretKey)
}

// Claims represents the authorization claims transmitted via a JWT. Tokens are
// issued by the school records system; this API only verifies them.
type Claims struct {
	jwt.StandardClaims
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	IsStudent bool   `json:"is_student,omitempty"` // -> STUDENT PORTAL
	IsTeacher bool   `json:"is_teacher,omitempty"` // -> TEACHER PORTAL
	IsOffice  bool   `json:"is_office,omitempty"`  // -> OFFICE PORTAL
}

func GetUserClaims(usr directory.User) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    authConf.AppName,
			Subject:   usr.ID,
			Audience:  "Ujumbe",
			ExpiresAt: now.Add(authConf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Name:      usr.Name,
		Email:     usr.Email,
		Role:      usr.Role,
		IsStudent: usr.IsStudent(),
		IsTeacher: usr.IsTeacher(),
		IsOffice:  usr.IsOffice(),
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(appJWTConfig.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(appJWTConfig.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(appJWTConfig.ContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextUser resolves the acting user from the directory, caching it on
// the request context.
func getContextUser(ctx echo.Context, dir directory.Directory) (directory.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(directory.User); ok {
		return usr, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return directory.User{}, errors.Wrap(err, "getting context claims")
	}

	usr, err := dir.GetUser(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return directory.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}
