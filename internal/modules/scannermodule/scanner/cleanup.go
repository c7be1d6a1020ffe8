package scanner

import (
	"fmt"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/logger"
	"gorm.io/gorm"
)

// pruneRemovedArtworks deletes artworks whose source directories disappeared:
// rows whose external id was not discovered during this run. Only force
// updates reach here; a normal scan never deletes.
func pruneRemovedArtworks(rc *runContext) (int, error) {
	var stored []database.Artwork
	if err := rc.optimizer.DB().Select("id", "external_id").Find(&stored).Error; err != nil {
		return 0, fmt.Errorf("failed to list stored artworks: %w", err)
	}

	rc.seenMu.Lock()
	missing := make([]uint, 0)
	for _, a := range stored {
		if _, found := rc.seen[a.ExternalID]; !found {
			missing = append(missing, a.ID)
		}
	}
	rc.seenMu.Unlock()

	if len(missing) == 0 {
		return 0, nil
	}

	err := rc.optimizer.Transaction(rc.batch.ctx, "artworks.prune", func(tx *gorm.DB) error {
		if err := tx.Where("artwork_id IN ?", missing).Delete(&database.ArtworkTag{}).Error; err != nil {
			return err
		}
		if err := tx.Where("artwork_id IN ?", missing).Delete(&database.Image{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", missing).Delete(&database.Artwork{}).Error
	})
	if err != nil {
		return 0, err
	}

	logger.Info("pruned %d removed artworks", len(missing))
	return len(missing), nil
}
