package domain

// Field names shared by listing records. Scan records use the names of the
// frontpage template capture groups instead.
const (
	FieldCategory           = "category"
	FieldName               = "name"
	FieldManufacturer       = "manufacturer"
	FieldManufacturerSite   = "manufacturer_web"
	FieldScheme             = "scheme"
	FieldSecurityLevel      = "security_level"
	FieldAugments           = "security_level_augments"
	FieldProtectionProfiles = "protection_profiles"
	FieldCertDate           = "not_valid_before"
	FieldArchivedDate       = "not_valid_after"
	FieldReportLink         = "report_link"
	FieldTargetLink         = "st_link"
	FieldHTMLID             = "html_id"
)
