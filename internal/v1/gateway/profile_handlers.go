package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/profiles"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

// profileAPI serves the profile REST surface backed by the two-tier
// cache.
type profileAPI struct {
	profiles *profiles.Manager
}

// get serves GET /api/profile/:authId through the cache read path,
// reporting which tier answered and how long it took.
func (p profileAPI) get(c *gin.Context) {
	if p.profiles == nil {
		respondError(c, http.StatusServiceUnavailable, profiles.ErrDisabled.Error())
		return
	}

	start := time.Now()
	prof, cached, err := p.profiles.Cache.Get(c.Request.Context(), c.Param("authId"))
	if err != nil {
		profileFailure(c, err)
		return
	}
	respondFetched(c, prof, cached, time.Since(start))
}

type profileUpdateBody struct {
	AuthID               string         `json:"authId"`
	Username             *string        `json:"username"`
	DisplayName          *string        `json:"displayName"`
	AvatarURL            *string        `json:"avatarUrl"`
	BannerURL            *string        `json:"bannerUrl"`
	Pronouns             *string        `json:"pronouns"`
	Bio                  *string        `json:"bio"`
	DisplayNameColor     *string        `json:"displayNameColor"`
	DisplayNameAnimation *string        `json:"displayNameAnimation"`
	RainbowSpeed         *int           `json:"rainbowSpeed"`
	Badges               []types.Badge  `json:"badges"`
	ProfileCardCSS       *string        `json:"profileCardCss"`
	Customization        map[string]any `json:"customization"`
}

// update serves POST /api/profile/update. Pointer fields distinguish
// "absent" from "set to empty", so a body that omits a field leaves it
// alone.
func (p profileAPI) update(c *gin.Context) {
	if p.profiles == nil {
		respondError(c, http.StatusServiceUnavailable, profiles.ErrDisabled.Error())
		return
	}

	var body profileUpdateBody
	if !bindJSON(c, &body) {
		return
	}
	if body.AuthID == "" {
		respondError(c, http.StatusBadRequest, "authId: required")
		return
	}

	patch := &store.ProfilePatch{
		Username:             body.Username,
		DisplayName:          body.DisplayName,
		AvatarURL:            body.AvatarURL,
		BannerURL:            body.BannerURL,
		Pronouns:             body.Pronouns,
		Bio:                  body.Bio,
		DisplayNameColor:     body.DisplayNameColor,
		DisplayNameAnimation: body.DisplayNameAnimation,
		RainbowSpeed:         body.RainbowSpeed,
		Badges:               body.Badges,
		ProfileCardCSS:       body.ProfileCardCSS,
		Customization:        body.Customization,
	}
	if patch.Empty() {
		respondError(c, http.StatusBadRequest, "body: no fields to update")
		return
	}
	if err := profiles.SanitizePatch(patch); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	prof, err := p.profiles.Cache.Update(c.Request.Context(), body.AuthID, patch)
	if err != nil {
		profileFailure(c, err)
		return
	}
	respond(c, http.StatusOK, prof)
}

// profileFailure maps a profile-cache error onto the envelope.
func profileFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, profiles.ErrDisabled):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, "profile not found")
	case errors.Is(err, store.ErrDuplicate):
		respondConflict(c, "username is taken")
	default:
		logging.Error(c.Request.Context(), "Unhandled profile error", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
