package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/incentix/incentix/internal/models"
	"github.com/incentix/incentix/internal/store"
)

// DemoVectorDim matches the embedding column width so demo vectors and
// real model vectors can share tables and collections.
const DemoVectorDim = 1536

// Seeder loads the demo corpus into a database. Real corpora are
// written by the ingestion pipeline; this exists so a fresh local
// database can serve matches immediately.
type Seeder struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSeeder(db *gorm.DB, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{db: db, logger: logger}
}

// SeedAll creates the corpus tables when missing and inserts the demo
// incentives and companies with their embeddings. Existing rows are
// left untouched.
func (s *Seeder) SeedAll(ctx context.Context) error {
	s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector")

	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.Incentive{},
		&models.IncentiveEmbedding{},
		&models.Company{},
		&models.CompanyEmbedding{},
	); err != nil {
		return fmt.Errorf("failed to migrate corpus tables: %w", err)
	}

	if err := s.SeedIncentives(ctx); err != nil {
		return fmt.Errorf("failed to seed incentives: %w", err)
	}
	if err := s.SeedCompanies(ctx); err != nil {
		return fmt.Errorf("failed to seed companies: %w", err)
	}

	s.logger.Info("Demo corpus seeding completed")
	return nil
}

func (s *Seeder) SeedIncentives(ctx context.Context) error {
	for _, inc := range DemoIncentives() {
		var existing models.Incentive
		err := s.db.WithContext(ctx).Where("incentive_id = ?", inc.IncentiveID).First(&existing).Error
		if err == nil {
			s.logger.Debug("Incentive already seeded, skipping", zap.String("incentive_id", inc.IncentiveID))
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check incentive %s: %w", inc.IncentiveID, err)
		}

		if err := s.db.WithContext(ctx).Create(inc).Error; err != nil {
			return fmt.Errorf("failed to create incentive %s: %w", inc.IncentiveID, err)
		}
		vec := pgvector.NewVector(DemoVector(incentiveSeedText(inc), DemoVectorDim))
		emb := &models.IncentiveEmbedding{IncentiveID: inc.IncentiveID, Embedding: &vec}
		if err := s.db.WithContext(ctx).Create(emb).Error; err != nil {
			return fmt.Errorf("failed to embed incentive %s: %w", inc.IncentiveID, err)
		}
		s.logger.Info("Seeded incentive", zap.String("incentive_id", inc.IncentiveID), zap.String("title", inc.Title))
	}
	return nil
}

func (s *Seeder) SeedCompanies(ctx context.Context) error {
	for _, company := range DemoCompanies() {
		var existing models.Company
		err := s.db.WithContext(ctx).Where("company_id = ?", company.CompanyID).First(&existing).Error
		if err == nil {
			s.logger.Debug("Company already seeded, skipping", zap.String("company_id", company.CompanyID))
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check company %s: %w", company.CompanyID, err)
		}

		if err := s.db.WithContext(ctx).Create(company).Error; err != nil {
			return fmt.Errorf("failed to create company %s: %w", company.CompanyID, err)
		}
		vec := pgvector.NewVector(DemoVector(companySeedText(company), DemoVectorDim))
		emb := &models.CompanyEmbedding{CompanyID: company.CompanyID, Embedding: &vec}
		if err := s.db.WithContext(ctx).Create(emb).Error; err != nil {
			return fmt.Errorf("failed to embed company %s: %w", company.CompanyID, err)
		}
		s.logger.Info("Seeded company", zap.String("company_id", company.CompanyID), zap.String("name", company.Name))
	}
	return nil
}

// SeedMemoryStore loads the demo corpus into the in-memory store for
// lite mode, with the same fixtures and vectors as the database path.
func SeedMemoryStore(ctx context.Context, mem *store.MemoryStore) error {
	for _, inc := range DemoIncentives() {
		if err := mem.AddIncentive(ctx, inc, DemoVector(incentiveSeedText(inc), DemoVectorDim)); err != nil {
			return err
		}
	}
	for _, company := range DemoCompanies() {
		if err := mem.AddCompany(ctx, company, DemoVector(companySeedText(company), DemoVectorDim)); err != nil {
			return err
		}
	}
	return nil
}

// DemoVector maps text onto a fixed-dimension unit vector by hashing
// tokens into buckets. Deterministic across runs, and texts sharing
// vocabulary land close together, which is all the demo corpus needs.
func DemoVector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DemoVectorDim
	}
	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * scale)
	}
	return vec
}

// incentiveSeedText mirrors what the ingestion pipeline embeds for a
// real incentive: title, description and structured objectives.
func incentiveSeedText(inc *models.Incentive) string {
	parts := []string{inc.Title, inc.Description}
	if attrs, err := inc.Attrs(); err == nil {
		parts = append(parts, strings.Join(attrs.InvestmentObjectives, " "))
		parts = append(parts, strings.Join(attrs.SpecificPurposes, " "))
	}
	return strings.Join(parts, " ")
}

func companySeedText(c *models.Company) string {
	return strings.Join([]string{
		c.Name,
		strings.Join(c.CAECodes, " "),
		c.RawDescription(),
		c.District,
	}, " ")
}

// DemoIncentives returns the fixture incentives. Identifiers are
// stable so reseeding is idempotent.
func DemoIncentives() []*models.Incentive {
	return []*models.Incentive{
		{
			IncentiveID: "inc-digital-2024",
			Title:       "Apoio à Digitalização das PME",
			Description: "Vales para a transição digital de pequenas e médias empresas: presença online, comércio eletrónico e desmaterialização de processos.",
			AIDescription: mustJSON(models.StructuredAttrs{
				AllowedSizes:         []string{"Micro", "PME"},
				GeoScope:             "Nacional",
				InvestmentObjectives: []string{"digitalização", "modernização tecnológica"},
				SpecificPurposes:     []string{"comércio eletrónico", "presença online"},
				EligibilityCriteria:  []string{"empresa constituída há mais de 6 meses", "situação regularizada perante a AT e a Segurança Social"},
			}),
			PublicationDate: datePtr(2024, time.March, 1),
			StartDate:       datePtr(2024, time.April, 1),
			EndDate:         datePtr(2026, time.June, 30),
			TotalBudget:     floatPtr(50_000_000),
			SourceLink:      "https://www.iapmei.pt/apoios/digitalizacao-pme",
		},
		{
			IncentiveID: "inc-industria-verde",
			Title:       "Descarbonização da Indústria",
			Description: "Apoio a projetos de eficiência energética e substituição de combustíveis fósseis em unidades industriais.",
			AIDescription: mustJSON(models.StructuredAttrs{
				SectorCodes:          []string{"10201", "13201", "24420", "25110"},
				AllowedSizes:         []string{"PME", "Grande"},
				GeoScope:             "Norte e Centro",
				InvestmentObjectives: []string{"eficiência energética", "descarbonização"},
				SpecificPurposes:     []string{"eletrificação de processos", "energias renováveis para autoconsumo"},
				EligibilityCriteria:  []string{"atividade industrial principal", "redução mínima de 30% das emissões"},
			}),
			PublicationDate: datePtr(2024, time.January, 15),
			StartDate:       datePtr(2024, time.February, 1),
			EndDate:         datePtr(2025, time.December, 31),
			TotalBudget:     floatPtr(200_000_000),
			SourceLink:      "https://www.fundoambiental.pt/descarbonizacao-industria",
		},
		{
			IncentiveID: "inc-turismo-algarve",
			Title:       "Requalificação da Oferta Turística do Algarve",
			Description: "Incentivos à requalificação de empreendimentos turísticos e à diversificação da oferta na região do Algarve.",
			AIDescription: mustJSON(models.StructuredAttrs{
				SectorCodes:          []string{"55111", "55201", "79110"},
				AllowedSizes:         []string{"Micro", "PME"},
				GeoScope:             "Algarve",
				InvestmentObjectives: []string{"requalificação turística", "sustentabilidade"},
				SpecificPurposes:     []string{"modernização de alojamento", "turismo de natureza"},
				EligibilityCriteria:  []string{"estabelecimento localizado no Algarve", "licença de exploração válida"},
			}),
			PublicationDate: datePtr(2024, time.May, 10),
			StartDate:       datePtr(2024, time.June, 1),
			EndDate:         datePtr(2026, time.May, 31),
			TotalBudget:     floatPtr(30_000_000),
			SourceLink:      "https://www.turismodeportugal.pt/algarve-requalificacao",
		},
		{
			IncentiveID: "inc-inovacao-id",
			Title:       "Projetos de I&D Empresarial",
			Description: "Financiamento de atividades de investigação industrial e desenvolvimento experimental em consórcio ou a título individual.",
			AIDescription: mustJSON(models.StructuredAttrs{
				AllowedSizes:         []string{"Não aplicável"},
				GeoScope:             "Todo o país",
				InvestmentObjectives: []string{"investigação e desenvolvimento", "inovação de produto"},
				SpecificPurposes:     []string{"desenvolvimento experimental", "registo de propriedade industrial"},
				EligibilityCriteria:  []string{"projeto com duração máxima de 36 meses", "equipa técnica dedicada"},
			}),
			PublicationDate: datePtr(2024, time.February, 20),
			StartDate:       datePtr(2024, time.March, 15),
			EndDate:         datePtr(2025, time.September, 30),
			TotalBudget:     floatPtr(120_000_000),
			SourceLink:      "https://www.ani.pt/projetos-id-empresarial",
		},
		{
			IncentiveID: "inc-internacionalizacao",
			Title:       "Internacionalização das PME",
			Description: "Apoio à prospeção e presença em mercados externos: feiras internacionais, marketing digital internacional e certificação para exportação.",
			AIDescription: mustJSON(models.StructuredAttrs{
				AllowedSizes:         []string{"PME"},
				GeoScope:             "Nacional",
				InvestmentObjectives: []string{"exportação", "novos mercados"},
				SpecificPurposes:     []string{"participação em feiras", "certificação internacional"},
				EligibilityCriteria:  []string{"volume de exportação inferior a 50% do total", "contabilidade organizada"},
			}),
			PublicationDate: datePtr(2024, time.April, 5),
			StartDate:       datePtr(2024, time.May, 1),
			EndDate:         datePtr(2026, time.April, 30),
			TotalBudget:     floatPtr(80_000_000),
			SourceLink:      "https://www.compete2030.gov.pt/internacionalizacao-pme",
		},
	}
}

// DemoCompanies returns the fixture companies, spread across districts,
// sizes and sectors so every demo incentive has plausible matches.
func DemoCompanies() []*models.Company {
	return []*models.Company{
		{
			CompanyID: "c-textil-braga",
			Name:      "Minho Têxteis, Lda.",
			CAECodes:  pq.StringArray{"13201", "13301"},
			Size:      models.SizePME,
			District:  "Braga",
			County:    "Guimarães",
			Raw: mustJSON(map[string]interface{}{
				"description": "Fabrico de tecidos técnicos para vestuário desportivo, com forte aposta na digitalização da produção.",
				"employees":   120,
			}),
		},
		{
			CompanyID: "c-software-lisboa",
			Name:      "Largo Software, S.A.",
			CAECodes:  pq.StringArray{"62010", "62090"},
			Size:      models.SizePME,
			District:  "Lisboa",
			Website:   "https://largosoftware.example.pt",
			Raw: mustJSON(map[string]interface{}{
				"description": "Desenvolvimento de software de gestão e plataformas de comércio eletrónico para PME.",
				"employees":   85,
			}),
		},
		{
			CompanyID: "c-hotel-faro",
			Name:      "Hotel Ria Formosa",
			CAECodes:  pq.StringArray{"55111"},
			Size:      models.SizeMicro,
			District:  "Faro",
			County:    "Olhão",
			Raw: mustJSON(map[string]interface{}{
				"description": "Hotel familiar junto à Ria Formosa com 24 quartos, a preparar a requalificação das instalações para turismo de natureza.",
				"employees":   9,
			}),
		},
		{
			CompanyID: "c-metal-porto",
			Name:      "Metalomecânica do Douro, S.A.",
			CAECodes:  pq.StringArray{"25110", "24420"},
			Size:      models.SizeGrande,
			District:  "Porto",
			Raw: mustJSON(map[string]interface{}{
				"description": "Produção de estruturas metálicas e componentes de alumínio, com plano de eletrificação dos fornos industriais.",
				"employees":   340,
			}),
		},
		{
			CompanyID: "c-vinhos-vila-real",
			Name:      "Quinta do Vale Escuro",
			CAECodes:  pq.StringArray{"11021"},
			Size:      models.SizeMicro,
			District:  "Vila Real",
			Raw: mustJSON(map[string]interface{}{
				"description": "Produção de vinhos do Douro com exportação para mercados europeus e asiáticos.",
				"employees":   14,
			}),
		},
		{
			CompanyID: "c-biotec-coimbra",
			Name:      "Coimbra BioTech, Lda.",
			CAECodes:  pq.StringArray{"72110"},
			Size:      models.SizePME,
			District:  "Coimbra",
			Raw: mustJSON(map[string]interface{}{
				"description": "Investigação e desenvolvimento em biotecnologia aplicada à saúde, com dois pedidos de patente em curso.",
				"employees":   32,
			}),
		},
		{
			CompanyID: "c-pescas-aveiro",
			Name:      "Conservas da Ria, Lda.",
			CAECodes:  pq.StringArray{"10201"},
			Size:      models.SizePME,
			District:  "Aveiro",
			County:    "Ílhavo",
			Raw: mustJSON(map[string]interface{}{
				"description": "Transformação e conserva de pescado, com projeto de eficiência energética nas linhas de esterilização.",
				"employees":   58,
			}),
		},
		{
			CompanyID: "c-moveis-leiria",
			Name:      "Móveis Pinhal, Lda.",
			CAECodes:  pq.StringArray{"31091"},
			Size:      models.SizePME,
			District:  "Leiria",
			Raw: mustJSON(map[string]interface{}{
				"description": "Fabrico de mobiliário em madeira certificada, maioritariamente para exportação.",
				"employees":   47,
			}),
		},
	}
}

// mustJSON marshals static fixture data; the fixtures are literals, so
// a failure is a programming error.
func mustJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(data)
}

func datePtr(year int, month time.Month, day int) *time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func floatPtr(v float64) *float64 {
	return &v
}
