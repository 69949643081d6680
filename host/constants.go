package host

// Limits applied while reading descriptors.
const (
	// MaxDescriptorSize bounds configuration descriptor reads.
	MaxDescriptorSize = 1024

	// MaxStringDescriptorSize is the largest possible string descriptor.
	MaxStringDescriptorSize = 255

	// MaxInterfaces bounds the interfaces a Device tracks claims for.
	MaxInterfaces = 32
)

// Device and interface classes.
const (
	ClassPerInterface   = 0x00
	ClassAudio          = 0x01
	ClassHub            = 0x09
	ClassVendorSpecific = 0xFF
)

// Audio class subclasses.
const (
	SubclassAudioControl   = 0x01
	SubclassAudioStreaming = 0x02
)

// Endpoint transfer types.
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeCSInterface          = 0x24 // audio class-specific interface
	DescriptorTypeCSEndpoint           = 0x25 // audio class-specific endpoint
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestSetInterface     = 0x0B
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// LangIDUSEnglish is used when a device reports no languages.
const LangIDUSEnglish = 0x0409
