package user

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
)

const refreshTokenTTL = 30 * 24 * time.Hour

func (h *Handler) generateJWT(userID uint, ttl time.Duration) (string, error) {
	claims := &jwt.RegisteredClaims{
		Subject:   fmt.Sprint(userID),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.cfg.SecretKey))
}

func (h *Handler) generateRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.SecretKey))
	fmt.Fprintf(mac, "%d", userID)
	mac.Write(b)
	return fmt.Sprintf("%d_%x_%x", userID, b, mac.Sum(nil)), nil
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		utils.WriteError(w, r, utils.InvalidArgument("missing_required_fields"))
		return
	}

	var existing models.User
	err := h.db.Where("username = ? OR email = ?", req.Username, req.Email).First(&existing).Error
	if err == nil {
		utils.WriteError(w, r, utils.FailedPrecondition("username_or_email_taken"))
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, r, utils.Internal("user_lookup_failed", err))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.WriteError(w, r, utils.Internal("password_hash_failed", err))
		return
	}

	u := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Rank:         models.RankRegular,
	}
	if err := h.db.Create(&u).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key") {
			utils.WriteError(w, r, utils.FailedPrecondition("username_or_email_taken"))
			return
		}
		utils.WriteError(w, r, utils.Internal("user_create_failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"message": "Account created",
		"user_id": u.ID,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}

	var u models.User
	if err := h.db.Where("username = ? OR email = ?", req.Username, req.Username).First(&u).Error; err != nil {
		utils.WriteError(w, r, utils.PermissionDenied("invalid_credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		utils.WriteError(w, r, utils.PermissionDenied("invalid_credentials"))
		return
	}
	if u.Banned(time.Now()) {
		utils.WriteError(w, r, utils.PermissionDenied("banned"))
		return
	}

	accessToken, err := h.generateJWT(u.ID, 24*time.Hour)
	if err != nil {
		utils.WriteError(w, r, utils.Internal("token_generation_failed", err))
		return
	}
	refreshToken, err := h.generateRefreshToken(u.ID)
	if err != nil {
		utils.WriteError(w, r, utils.Internal("token_generation_failed", err))
		return
	}
	expires := time.Now().Add(refreshTokenTTL)
	err = h.db.Model(&models.User{}).Where("id = ?", u.ID).Updates(map[string]any{
		"refresh_token":            refreshToken,
		"refresh_token_expires_at": expires,
	}).Error
	if err != nil {
		utils.WriteError(w, r, utils.Internal("refresh_token_save_failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"user_id":       u.ID,
		"rank":          u.Rank,
	})
}

func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		var u models.User
		if err := tx.Where("refresh_token = ?", req.RefreshToken).First(&u).Error; err != nil {
			return utils.PermissionDenied("invalid_refresh_token")
		}
		if u.RefreshTokenExpiresAt == nil || u.RefreshTokenExpiresAt.Before(time.Now()) {
			return utils.PermissionDenied("refresh_token_expired")
		}
		if u.Banned(time.Now()) {
			return utils.PermissionDenied("banned")
		}

		accessToken, err := h.generateJWT(u.ID, 24*time.Hour)
		if err != nil {
			return utils.Internal("token_generation_failed", err)
		}
		// Rotate on every use.
		newRefresh, err := h.generateRefreshToken(u.ID)
		if err != nil {
			return utils.Internal("token_generation_failed", err)
		}
		expires := time.Now().Add(refreshTokenTTL)
		err = tx.Model(&models.User{}).Where("id = ?", u.ID).Updates(map[string]any{
			"refresh_token":            newRefresh,
			"refresh_token_expires_at": expires,
		}).Error
		if err != nil {
			return utils.Internal("refresh_token_save_failed", err)
		}

		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(map[string]string{
			"access_token":  accessToken,
			"refresh_token": newRefresh,
		})
	})
	if err != nil {
		utils.WriteError(w, r, err)
	}
}

func (h *Handler) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	if req.Email == "" {
		utils.WriteError(w, r, utils.InvalidArgument("missing_email"))
		return
	}

	// The response never reveals whether the address has an account.
	reply := func() {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"message": "If an account exists, a reset code will be sent to your email",
		})
	}

	var u models.User
	if err := h.db.Where("email = ?", req.Email).First(&u).Error; err != nil {
		reply()
		return
	}

	token := uuid.New().String()
	reset := models.PasswordResetToken{
		UserID:    u.ID,
		Token:     token,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	if err := h.db.Create(&reset).Error; err != nil {
		utils.WriteError(w, r, utils.Internal("reset_token_save_failed", err))
		return
	}

	go func() {
		if err := h.sendResetEmail(u.Email, token); err != nil {
			log.Printf("Error sending password reset email: %v", err)
		}
	}()
	reply()
}

func (h *Handler) sendResetEmail(email, token string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", h.cfg.SMTPUser)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Password Reset")
	m.SetBody("text/plain", fmt.Sprintf("Your password reset code is: %s. Ignore this email if you did not request a reset.", token))

	d := gomail.NewDialer(h.cfg.SMTPHost, h.cfg.SMTPPort, h.cfg.SMTPUser, h.cfg.SMTPPass)
	return d.DialAndSend(m)
}

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, r, utils.InvalidArgument("invalid_body"))
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		utils.WriteError(w, r, utils.InvalidArgument("missing_required_fields"))
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		var reset models.PasswordResetToken
		if err := tx.Where("token = ?", req.Token).First(&reset).Error; err != nil {
			return utils.PermissionDenied("invalid_reset_token")
		}
		if reset.ExpiresAt.Before(time.Now()) {
			return utils.PermissionDenied("reset_token_expired")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return utils.Internal("password_hash_failed", err)
		}
		if err := tx.Model(&models.User{}).Where("id = ?", reset.UserID).
			Update("password_hash", string(hash)).Error; err != nil {
			return utils.Internal("password_update_failed", err)
		}
		return tx.Where("user_id = ?", reset.UserID).Delete(&models.PasswordResetToken{}).Error
	})
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Password updated"})
}
