// Package firmware defines the firmware image and application personality
// model shared by the GBL codec and the flasher.
package firmware

import "fmt"

// ImageType identifies what a GBL image contains, as declared by its
// embedded metadata.
type ImageType string

const (
	ImageNCPUartHW              ImageType = "ncp-uart-hw"
	ImageRCPUart802154          ImageType = "rcp-uart-802154"
	ImageZigbeeNCPRCPUart802154 ImageType = "zigbee-ncp-rcp-uart-802154"
	ImageZigbeeRouterUartHW     ImageType = "zigbee-router-uart-hw"
	ImageGeckoBootloader        ImageType = "gecko-bootloader"
)

// ApplicationType identifies the personality currently running on the radio.
type ApplicationType string

const (
	AppGeckoBootloader ApplicationType = "bootloader"
	AppCPC             ApplicationType = "cpc"
	AppEZSP            ApplicationType = "ezsp"
	AppSpinel          ApplicationType = "spinel"
)

// ParseImageType maps a metadata fw_type string to an ImageType.
func ParseImageType(s string) (ImageType, error) {
	switch ImageType(s) {
	case ImageNCPUartHW, ImageRCPUart802154, ImageZigbeeNCPRCPUart802154,
		ImageZigbeeRouterUartHW, ImageGeckoBootloader:
		return ImageType(s), nil
	}
	return "", fmt.Errorf("unknown firmware type %q", s)
}

// CompatibleImages returns the image types a running application may be
// upgraded to without cross-flashing. The bootloader has no compatible
// application image: flashing from the bootloader is always a cross-flash
// decision for the caller.
func (a ApplicationType) CompatibleImages() []ImageType {
	switch a {
	case AppEZSP:
		return []ImageType{ImageNCPUartHW}
	case AppCPC:
		return []ImageType{ImageRCPUart802154, ImageZigbeeNCPRCPUart802154}
	case AppSpinel:
		return []ImageType{ImageRCPUart802154}
	default:
		return nil
	}
}

// CompatibleWith reports whether img is an in-family upgrade for the
// running application.
func (a ApplicationType) CompatibleWith(img ImageType) bool {
	for _, c := range a.CompatibleImages() {
		if c == img {
			return true
		}
	}
	return false
}
