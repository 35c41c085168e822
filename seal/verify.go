package seal

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFCPUVerifier validates the finished output with an independent PDF
// implementation, catching structural mistakes our own parser would be blind
// to because it shares the writer's assumptions.
type PDFCPUVerifier struct{}

func (PDFCPUVerifier) Verify(path, password string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("pdfcpu validation: %w", err)
	}
	return nil
}
