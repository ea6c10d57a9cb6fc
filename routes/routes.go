package routes

import (
	"github.com/gofiber/fiber/v2"

	controller "coldreach/controllers"
)

// SetupRoutes registers the lifecycle API
func SetupRoutes(app *fiber.App, campaigns *controller.CampaignController) {
	api := app.Group("/api/v1")

	api.Post("/campaigns/:id/start", campaigns.StartCampaign)
	api.Post("/campaigns/:id/pause", campaigns.PauseCampaign)
	api.Post("/campaigns/:id/stop", campaigns.StopCampaign)
	api.Get("/campaigns/:id/schedule", campaigns.GetSchedule)
}
