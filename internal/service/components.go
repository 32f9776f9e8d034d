// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/agent"
	"github.com/xkilldash9x/browserpilot/internal/eventbus"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// BrowserBackend hands out session pages and owns the browser connection.
type BrowserBackend interface {
	agent.PageProvider
	Close(ctx context.Context) error
}

// Components holds the initialized runtime shared by every session.
type Components struct {
	Browser    BrowserBackend
	LLMClient  schemas.LLMClient
	Metrics    *observability.Metrics
	Bus        *eventbus.Bus
	Controller *agent.Controller
	Manager    *agent.Manager

	logger *zap.Logger
}

// Shutdown stops the components in dependency order: sessions first, then
// the event feed and finally the browser and the model clients. It is safe
// on a partially initialized value.
func (c *Components) Shutdown(ctx context.Context) error {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	var errs []error
	if c.Manager != nil {
		if err := c.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session manager: %w", err))
		} else {
			logger.Debug("Session manager stopped.")
		}
	}

	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus closed.")
	}

	if c.Browser != nil {
		if err := c.Browser.Close(ctx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
			errs = append(errs, fmt.Errorf("browser: %w", err))
		} else {
			logger.Debug("Browser released.")
		}
	}

	if c.LLMClient != nil {
		if err := c.LLMClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("llm client: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("All components shut down successfully.")
	return nil
}
