// Package publisher mirrors completed catalog items into the configured
// store as products with licence variants, artwork, and digital downloads.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"beatbridge/internal/config"
	"beatbridge/internal/inventory"
	"beatbridge/internal/logging"
	"beatbridge/internal/report"
	"beatbridge/internal/services"
	"beatbridge/internal/stage"
	"beatbridge/internal/textutil"
)

const licenceOptionName = "Licence"

// Publisher is the phase handler that creates and publishes store products.
// Every step records its outcome before the next one runs, so a crashed or
// failed publish resumes by filling in only the missing steps.
type Publisher struct {
	cfg        *config.Config
	store      *inventory.Store
	api        API
	automation AutomationFactory
	logger     *slog.Logger
	stats      *report.RunStats

	publicationID string
}

// NewPublisher constructs the publisher phase handler with a live store
// client.
func NewPublisher(cfg *config.Config, store *inventory.Store, logger *slog.Logger, stats *report.RunStats, client *Client) *Publisher {
	return NewPublisherWithDependencies(cfg, store, logger, stats, client, NoAutomation)
}

// NewPublisherWithDependencies constructs the publisher with injected
// collaborators.
func NewPublisherWithDependencies(cfg *config.Config, store *inventory.Store, logger *slog.Logger, stats *report.RunStats, api API, automation AutomationFactory) *Publisher {
	if automation == nil {
		automation = NoAutomation
	}
	return &Publisher{
		cfg:        cfg,
		store:      store,
		api:        api,
		automation: automation,
		logger:     logging.NewComponentLogger(logger, "publisher"),
		stats:      stats,
	}
}

func (p *Publisher) Prepare(ctx context.Context, item *inventory.Item) error {
	item.ErrorMessage = ""
	return nil
}

// Execute drives an item through product creation, variant creation, artwork
// upload, publication, collection membership, and digital attachment. Steps
// already recorded for the item are skipped.
func (p *Publisher) Execute(ctx context.Context, item *inventory.Item) error {
	logger := logging.WithContext(ctx, p.logger)

	pub, err := p.store.PublishForItem(ctx, item.ID)
	if err != nil {
		return err
	}
	if pub == nil {
		pub = &inventory.Publish{ItemID: item.ID}
	}

	satisfiable, omitted, err := p.satisfiableVariants(ctx, item)
	if err != nil {
		return err
	}
	if omitted > 0 {
		p.stats.VariantsOmitted.Add(int64(omitted))
		logger.Warn("variants omitted, assets incomplete",
			logging.String("title", item.Title),
			logging.Int("omitted", omitted))
	}
	if len(satisfiable) == 0 {
		p.stats.ItemsWithoutVariant.Add(1)
		return services.Wrap(services.ErrValidation, "publishing", "select variants",
			fmt.Sprintf("No configured variant has complete assets for %q", item.Title), nil)
	}

	// A recorded product id may point at a product deleted out of band.
	if pub.ProductID != "" {
		product, err := p.api.GetProduct(ctx, pub.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			logger.Warn("recorded product no longer exists, recreating",
				logging.String("product_id", pub.ProductID))
			pub = &inventory.Publish{ItemID: item.ID}
		}
	}

	created := false
	if pub.ProductID == "" {
		existing, err := p.api.FindProductByTitle(ctx, item.Title)
		if err != nil {
			return err
		}
		if existing != nil {
			logger.Info("existing product adopted",
				logging.String("title", item.Title),
				logging.String("product_id", existing.ID))
			pub.ProductID = existing.ID
			p.stats.DuplicatesAdopted.Add(1)
		} else {
			product, err := p.api.CreateProduct(ctx, p.productInput(item, satisfiable))
			if err != nil {
				return err
			}
			pub.ProductID = product.ID
			created = true
			p.stats.ProductsCreated.Add(1)
			logger.Info("product created",
				logging.String("title", item.Title),
				logging.String("product_id", product.ID))
		}
		if err := p.store.UpsertPublish(ctx, pub); err != nil {
			return err
		}
	}

	changed, err := p.ensureVariants(ctx, item, pub, satisfiable)
	if err != nil {
		return err
	}

	uploaded, err := p.ensureArtwork(ctx, item, pub)
	if err != nil {
		logger.Warn("artwork upload failed, continuing", logging.Error(err))
	}
	changed = changed || uploaded

	if !pub.Published {
		publicationID, err := p.resolvePublication(ctx)
		if err != nil {
			return err
		}
		if err := p.api.Publish(ctx, pub.ProductID, publicationID); err != nil {
			return err
		}
		pub.Published = true
		changed = true
		if err := p.store.UpsertPublish(ctx, pub); err != nil {
			return err
		}
	}

	if p.cfg.Shopify.CollectionID != "" && !pub.CollectionAdded {
		gid := "gid://shopify/Collection/" + p.cfg.Shopify.CollectionID
		if err := p.api.AddToCollection(ctx, pub.ProductID, gid); err != nil {
			return err
		}
		pub.CollectionAdded = true
		changed = true
		if err := p.store.UpsertPublish(ctx, pub); err != nil {
			return err
		}
	}

	p.attachDigitalFiles(ctx, logger, item, pub)

	if !created {
		if changed {
			p.stats.ProductsUpdated.Add(1)
		} else {
			p.stats.ItemsAlreadyPublished.Add(1)
		}
	}

	item.Status = inventory.StatusPublished
	logger.Info("item published",
		logging.String("title", item.Title),
		logging.String("product_id", pub.ProductID))
	return nil
}

// satisfiableVariants splits the configured variant rules into those whose
// required asset kinds are all complete and a count of the rest.
func (p *Publisher) satisfiableVariants(ctx context.Context, item *inventory.Item) ([]config.Variant, int, error) {
	var satisfiable []config.Variant
	omitted := 0
	for _, rule := range p.cfg.Variants {
		complete := true
		for _, file := range rule.Files {
			kind, ok := inventory.ParseKind(file)
			if !ok {
				complete = false
				break
			}
			has, err := p.store.IsAssetComplete(ctx, item.ID, kind)
			if err != nil {
				return nil, 0, err
			}
			if !has {
				complete = false
				break
			}
		}
		if complete {
			satisfiable = append(satisfiable, rule)
		} else {
			omitted++
		}
	}
	return satisfiable, omitted, nil
}

func (p *Publisher) productInput(item *inventory.Item, variants []config.Variant) ProductInput {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.Name)
	}

	var metafields []Metafield
	add := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		metafields = append(metafields, Metafield{
			Namespace: "custom",
			Key:       key,
			Type:      "single_line_text_field",
			Value:     value,
		})
	}
	add("bpm", item.BPM)
	add("duration", item.Duration)
	add("tags", item.Tags)
	add("creation_date", item.CreationDate)

	return ProductInput{
		Title:        item.Title,
		Handle:       textutil.SanitizeToken(item.Title),
		ProductType:  p.cfg.Shopify.ProductType,
		Tags:         p.cfg.Shopify.DefaultTags,
		OptionName:   licenceOptionName,
		OptionValues: names,
		Metafields:   metafields,
	}
}

// ensureVariants creates any satisfiable variant not yet recorded for the
// item. Each created variant is persisted before the next store call.
func (p *Publisher) ensureVariants(ctx context.Context, item *inventory.Item, pub *inventory.Publish, satisfiable []config.Variant) (bool, error) {
	recorded, err := p.store.VariantsForItem(ctx, item.ID)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(recorded))
	for _, v := range recorded {
		if v.VariantID != "" {
			have[v.Name] = true
		}
	}

	var missing []VariantInput
	for _, rule := range satisfiable {
		if have[rule.Name] {
			continue
		}
		price, err := rule.VariantPrice()
		if err != nil {
			return false, services.Wrap(services.ErrConfiguration, "publishing", "parse variant price",
				fmt.Sprintf("Variant %q has an invalid price", rule.Name), err)
		}
		missing = append(missing, VariantInput{Name: rule.Name, Price: price})
	}
	if len(missing) == 0 {
		return false, nil
	}

	created, err := p.api.CreateVariants(ctx, pub.ProductID, missing)
	if err != nil {
		return false, err
	}
	for _, v := range created {
		record := &inventory.Variant{ItemID: item.ID, Name: v.Name, VariantID: v.ID}
		if err := p.store.UpsertVariant(ctx, record); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ensureArtwork uploads the item's artwork when the product carries no media
// yet. Missing artwork is not an error; products publish without media.
func (p *Publisher) ensureArtwork(ctx context.Context, item *inventory.Item, pub *inventory.Publish) (bool, error) {
	art, err := p.store.Asset(ctx, item.ID, inventory.AssetArtwork)
	if err != nil {
		return false, err
	}
	if art == nil || !art.Complete {
		return false, nil
	}
	product, err := p.api.GetProduct(ctx, pub.ProductID)
	if err != nil {
		return false, err
	}
	if product == nil || product.MediaCount > 0 {
		return false, nil
	}
	if err := p.api.UploadArtwork(ctx, pub.ProductID, art.Path); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Publisher) resolvePublication(ctx context.Context) (string, error) {
	if p.publicationID != "" {
		return p.publicationID, nil
	}
	id, err := p.api.ResolvePublication(ctx, p.cfg.Shopify.Publication)
	if err != nil {
		return "", err
	}
	p.publicationID = id
	return id, nil
}

// attachDigitalFiles binds download files to variants through the automation
// session. An unavailable session is a capability gap, not a failure; the
// product stays published and attachment is retried on the next run.
func (p *Publisher) attachDigitalFiles(ctx context.Context, logger *slog.Logger, item *inventory.Item, pub *inventory.Publish) {
	if !p.cfg.Shopify.AutoAttachDigital {
		return
	}

	recorded, err := p.store.VariantsForItem(ctx, item.ID)
	if err != nil {
		logger.Warn("variant records unavailable, skipping attachment", logging.Error(err))
		return
	}
	var pending []*inventory.Variant
	for _, v := range recorded {
		if v.VariantID != "" && !v.FileAttached {
			pending = append(pending, v)
		}
	}
	if len(pending) == 0 {
		return
	}

	session, err := p.automation(ctx)
	if err != nil {
		if errors.Is(err, services.ErrCapability) {
			if p.stats.RecordCapabilityGap("digital-attachment", "admin automation backend unavailable") {
				logger.Warn("digital files not attached, automation unavailable",
					logging.String(logging.FieldErrorHint, "attach download files manually or configure an automation backend"))
			}
			return
		}
		logger.Warn("automation session failed to open", logging.Error(err))
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("automation session not closed cleanly", logging.Error(err))
		}
	}()

	rules := make(map[string]config.Variant, len(p.cfg.Variants))
	for _, rule := range p.cfg.Variants {
		rules[rule.Name] = rule
	}

	for _, variant := range pending {
		rule, ok := rules[variant.Name]
		if !ok {
			continue
		}
		attached := true
		for _, file := range rule.Files {
			kind, ok := inventory.ParseKind(file)
			if !ok {
				attached = false
				break
			}
			asset, err := p.store.Asset(ctx, item.ID, kind)
			if err != nil || asset == nil || !asset.Complete {
				attached = false
				break
			}
			if err := session.AttachFile(ctx, pub.ProductID, variant.VariantID, asset.Path); err != nil {
				logger.Warn("file attachment failed",
					logging.String("variant", variant.Name),
					logging.Error(err))
				attached = false
				break
			}
		}
		if !attached {
			continue
		}
		variant.FileAttached = true
		if err := p.store.UpsertVariant(ctx, variant); err != nil {
			logger.Warn("attachment not recorded", logging.Error(err))
			continue
		}
		p.stats.FilesAttached.Add(1)
	}
}

// HealthCheck verifies publishing prerequisites.
func (p *Publisher) HealthCheck(ctx context.Context) stage.Health {
	const name = "publisher"
	if p.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(p.cfg.Shopify.StoreURL) == "" {
		return stage.Unhealthy(name, "store url not configured")
	}
	if p.cfg.Shopify.AccessToken == "" && (p.cfg.Shopify.ClientID == "" || p.cfg.Shopify.ClientSecret == "") {
		return stage.Unhealthy(name, "no access token or client credentials configured")
	}
	if len(p.cfg.Variants) == 0 {
		return stage.Unhealthy(name, "no variants configured")
	}
	return stage.Healthy(name)
}
