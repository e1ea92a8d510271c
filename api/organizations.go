package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type organizationRequest struct {
	Name string `json:"name"`
}

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// postOrganization registers the organization named by the caller's token so
// later requests scoped to it resolve.
func postOrganization(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, err := d.Auth.SessionFromAuthHeader(authHeader(c.Request()))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var body organizationRequest
		if err := c.Bind(&body); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		org := Organization{ID: sess.OrganizationID, Name: strings.TrimSpace(body.Name)}
		if err := d.Store.AddOrganization(ctx, org.ID, org.Name); err != nil {
			d.Logger.WithError(err).WithField("org", org.ID).Error("unable to register organization")
			return c.String(statusFor(err), err.Error())
		}
		d.Logger.WithFields(log.Fields{"org": org.ID, "user": sess.UserID}).Info("organization registered")
		return c.JSON(http.StatusOK, org)
	}
}
