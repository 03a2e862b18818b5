package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func patientClaims(familyID uuid.UUID, members ...uuid.UUID) Claims {
	cl := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:     string(RolePatient),
		FamilyID: familyID.String(),
	}
	for _, m := range members {
		cl.MemberIDs = append(cl.MemberIDs, m.String())
	}
	return cl
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (Caller, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Caller
	err := mw(func(c echo.Context) error {
		got, _ = CallerFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})(c)
	return got, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidPatientToken(t *testing.T) {
	family := uuid.New()
	member := uuid.New()
	token := createTestToken(t, patientClaims(family, member), testSigningKey)

	caller, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.Role != RolePatient {
		t.Errorf("expected patient role, got %s", caller.Role)
	}
	if caller.FamilyID != family {
		t.Errorf("expected family %s, got %s", family, caller.FamilyID)
	}
	if !caller.HasMember(member) {
		t.Error("expected member from token")
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, patientClaims(uuid.New()), []byte("other-key"))
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Expired(t *testing.T) {
	cl := patientClaims(uuid.New())
	cl.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := createTestToken(t, cl, testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_PatientWithoutFamily(t *testing.T) {
	cl := patientClaims(uuid.New())
	cl.FamilyID = ""
	token := createTestToken(t, cl, testSigningKey)
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Issuer(t *testing.T) {
	cl := patientClaims(uuid.New())
	cl.Issuer = "https://idp.example"
	token := createTestToken(t, cl, testSigningKey)

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://other"}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)

	if _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example"}), "Bearer "+token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_DefaultsToAdmin(t *testing.T) {
	caller, err := runMiddleware(t, DevAuthMiddleware(JWTConfig{}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.Role != RoleAdmin {
		t.Errorf("expected admin, got %s", caller.Role)
	}
}

func TestDevAuthMiddleware_VerifiesTokenWhenKeyed(t *testing.T) {
	family := uuid.New()
	token := createTestToken(t, patientClaims(family), testSigningKey)
	caller, err := runMiddleware(t, DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.Role != RolePatient || caller.FamilyID != family {
		t.Errorf("expected patient of family %s, got %+v", family, caller)
	}
}

func TestClaims_UnknownRole(t *testing.T) {
	cl := &Claims{Role: "nurse"}
	if _, err := cl.Caller(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestCaller_Actor(t *testing.T) {
	if got := (Caller{Role: RoleFrontOffice, UserID: "u9"}).Actor(); got != "front-office:u9" {
		t.Errorf("unexpected actor %q", got)
	}
	if got := System().Actor(); got != "admin:system" {
		t.Errorf("unexpected actor %q", got)
	}
}
